package sweep

import (
	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/oracle"
)

const (
	CodeConfiguration       xerrors.Code = "SWEEP_CONFIGURATION"
	CodeQuoteMissing        xerrors.Code = "SWEEP_QUOTE_MISSING"
	CodeQuoteExpired        xerrors.Code = "SWEEP_QUOTE_EXPIRED"
	CodeAggregator          xerrors.Code = "SWEEP_AGGREGATOR"
	CodeReverted            xerrors.Code = "SWEEP_REVERTED"
	CodeConfirmationTimeout xerrors.Code = "SWEEP_CONFIRMATION_TIMEOUT"
	CodeChainExecution      xerrors.Code = "SWEEP_CHAIN_EXECUTION"
	CodeNotFound            xerrors.Code = "SWEEP_NOT_FOUND"
	CodeInvalidTransition   xerrors.Code = "SWEEP_INVALID_TRANSITION"
	CodeTokenConflict       xerrors.Code = "SWEEP_TOKEN_CONFLICT"
	CodeUntrustedPrice                   = oracle.CodeUntrustedPrice
)

// Messages written to Sweep.ErrorMessage.
const (
	MsgQuoteMissing        = "Quote expired or not found"
	MsgQuoteExpired        = "Quote has expired"
	MsgReverted            = "Transaction reverted on-chain"
	MsgConfirmationTimeout = "Transaction confirmation timeout"
)

func init() {
	xerrors.Register(CodeConfiguration, xerrors.Attributes{Message: "sweep configuration error", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeQuoteMissing, xerrors.Attributes{Message: MsgQuoteMissing, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeQuoteExpired, xerrors.Attributes{Message: MsgQuoteExpired, Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAggregator, xerrors.Attributes{Message: "aggregator unavailable", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeReverted, xerrors.Attributes{Message: MsgReverted, Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{Message: MsgConfirmationTimeout, Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeChainExecution, xerrors.Attributes{Message: "chain execution failed", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "sweep not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{Message: "invalid sweep status transition", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTokenConflict, xerrors.Attributes{Message: "token already swept by another sweep", Severity: xerrors.SeverityWarning})
}
