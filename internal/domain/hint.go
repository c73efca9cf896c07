package domain

// HintUsage is the state of one (session, stage) hint budget.
// Reserved counts slots held by in-flight turns that have not committed yet.
type HintUsage struct {
	SessionID string
	Stage     int
	Used      int
	Reserved  int
	Max       int
}

// Remaining is the number of hints that can still be reserved or consumed.
func (h HintUsage) Remaining() int {
	r := h.Max - h.Used - h.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// Exhausted reports whether no further hint can be taken.
func (h HintUsage) Exhausted() bool {
	return h.Remaining() == 0
}

// TurnCommit is the set of side effects applied atomically when a streamed
// turn completes.
type TurnCommit struct {
	ConversationID string
	SessionID      string
	Stage          int
	// HintReserved releases one reservation into Used as part of the commit.
	HintReserved bool
	Reply        string
	ReplyTokens  int
	TokensUsed   int
	Cost         float64
}

// TurnReceipt describes the durable result of a TurnCommit.
type TurnReceipt struct {
	Message      Message
	Conversation Conversation
	// Hints is set only when the commit consumed a reservation.
	Hints *HintUsage
}
