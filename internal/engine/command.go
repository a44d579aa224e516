package engine

import "github.com/hakimelghazi/exchange-ledger/internal/models"

type CommandType int

const (
	CmdPlace CommandType = iota
	CmdCancel
	CmdRematch
	CmdResume
)

func (c CommandType) String() string {
	switch c {
	case CmdPlace:
		return "place"
	case CmdCancel:
		return "cancel"
	case CmdRematch:
		return "rematch"
	case CmdResume:
		return "resume"
	default:
		return "unknown"
	}
}

type Command struct {
	Type    CommandType
	Order   *models.Order // used when Type == CmdPlace
	OrderID string        // used by CmdCancel and CmdResume
	UserID  string        // requester, used by CmdCancel
	Resp    chan Result   // worker sends the result back here
}

type Result struct {
	Order  *models.Order
	Trades []models.Trade
	Err    error
}
