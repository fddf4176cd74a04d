package chaindb

// query enumerates the statement slots. Each slot is prepared lazily on
// first use and cached for the life of the connection; a slot's SQL text
// never changes, so distinct call sites with different SQL use distinct
// slots.
type query int

const (
	queryBegin query = iota
	queryCommit
	queryRollback
	queryScheme

	queryParamIntUpd
	queryParamIntIns
	queryParamIntGet

	queryStateIns
	queryStateDel
	queryStateFind
	queryStateFindPrev
	queryStateCountNextF
	queryStateUpdPrevRow
	queryStateGet
	queryStateGetDelInfo
	queryStateGetFunctionalInfo
	queryStateGetNotFunctionalInfo
	queryStateGetFlags
	queryStateGetPrev
	queryStateSetNextCount
	queryStateSetNextCountF
	queryStateSetFlags
	queryStateGetNextFunctional
	queryStateSetBlock
	queryStateGetBlock
	queryStateSetRollback
	queryStateActivate
	queryStateUnactivate

	queryTipAdd
	queryTipDel
	queryTipReachableAdd
	queryTipReachableDel
	queryEnumTips
	queryEnumFunctionalTips

	queryMmrGet
	queryMmrSet

	querySpendableAdd
	querySpendableModify
	querySpendableDel
	querySpendableEnum

	queryAuditStates
	queryAuditTips
	queryAuditTipsReachable
	queryAuditCountNext
	queryAuditCountNextF

	queryCount // sentinel, keep last
)
