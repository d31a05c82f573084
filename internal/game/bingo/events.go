package bingo

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind is the "type" tag of an outbound message.
type EventKind string

const (
	KindInit             EventKind = "init"
	KindNewRound         EventKind = "new_round"
	KindReservation      EventKind = "reservation"
	KindReservationEnd   EventKind = "reservation_end"
	KindNoPlayers        EventKind = "no_players"
	KindNumberCalled     EventKind = "number_called"
	KindNumberReserved   EventKind = "number_reserved"
	KindMarkedNumbers    EventKind = "marked_numbers"
	KindWinner           EventKind = "winner"
	KindError            EventKind = "error"
	KindUserDisconnected EventKind = "user_disconnected"
)

// Event is one outbound message variant. The set of variants is closed.
type Event interface {
	Kind() EventKind
	event()
}

// InitEvent is the snapshot sent to a session when it joins a room.
type InitEvent struct {
	RoundNumber     int64  `json:"round_number"`
	Phase           Phase  `json:"phase"`
	SecondsLeft     int    `json:"seconds_left"`
	CalledNumbers   []int  `json:"called_numbers"`
	ReservedNumbers []int  `json:"reserved_numbers"`
	Players         int    `json:"players"`
	Pot             int64  `json:"pot"`
	Stake           int64  `json:"stake"`
	UserID          int64  `json:"user_id"`
	SelectedNumber  *int   `json:"selected_number"`
	Playboard       *Board `json:"playboard"`
	MarkedNumbers   []int  `json:"marked_numbers"`
	Eligible        bool   `json:"eligible"`
}

// NewRoundEvent opens a round.
type NewRoundEvent struct {
	RoundNumber int64 `json:"round_number"`
	Stake       int64 `json:"stake"`
}

// ReservationEvent is the countdown tick of the reservation window.
type ReservationEvent struct {
	SecondsLeft     int   `json:"seconds_left"`
	ReservedNumbers []int `json:"reserved_numbers"`
	Players         int   `json:"players"`
	Pot             int64 `json:"pot"`
}

// ReservationEndEvent closes reservations.
type ReservationEndEvent struct {
	Players int   `json:"players"`
	Pot     int64 `json:"pot"`
}

// NoPlayersEvent reports a round that closed without reservations.
type NoPlayersEvent struct {
	RoundNumber int64 `json:"round_number"`
}

// NumberCalledEvent announces a draw.
type NumberCalledEvent struct {
	Number        int   `json:"number"`
	CalledNumbers []int `json:"called_numbers"`
}

// NumberReservedEvent announces a reservation change. SelectedNumber and
// Playboard are null when the user released their number.
type NumberReservedEvent struct {
	ReservedNumbers []int  `json:"reserved_numbers"`
	Players         int    `json:"players"`
	Pot             int64  `json:"pot"`
	UserID          int64  `json:"user_id"`
	SelectedNumber  *int   `json:"selected_number"`
	Playboard       *Board `json:"playboard"`
}

// MarkedNumbersEvent acknowledges a mark to the marking session.
type MarkedNumbersEvent struct {
	MarkedNumbers []int `json:"marked_numbers"`
}

// WinnerEvent announces the paid winner. WinningNumber is the winner's
// selected number.
type WinnerEvent struct {
	WinnerID      int64  `json:"winner_id"`
	WinningNumber int    `json:"winning_number"`
	WinningCells  []Cell `json:"winning_cells"`
	Pot           int64  `json:"pot"`
}

// ErrorEvent rejects a command of one session.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// UserDisconnectedEvent reports that a player's last session left.
type UserDisconnectedEvent struct {
	UserID          int64 `json:"user_id"`
	Players         int   `json:"players"`
	Pot             int64 `json:"pot"`
	ReservedNumbers []int `json:"reserved_numbers"`
}

func (InitEvent) Kind() EventKind             { return KindInit }
func (NewRoundEvent) Kind() EventKind         { return KindNewRound }
func (ReservationEvent) Kind() EventKind      { return KindReservation }
func (ReservationEndEvent) Kind() EventKind   { return KindReservationEnd }
func (NoPlayersEvent) Kind() EventKind        { return KindNoPlayers }
func (NumberCalledEvent) Kind() EventKind     { return KindNumberCalled }
func (NumberReservedEvent) Kind() EventKind   { return KindNumberReserved }
func (MarkedNumbersEvent) Kind() EventKind    { return KindMarkedNumbers }
func (WinnerEvent) Kind() EventKind           { return KindWinner }
func (ErrorEvent) Kind() EventKind            { return KindError }
func (UserDisconnectedEvent) Kind() EventKind { return KindUserDisconnected }

func (InitEvent) event()             {}
func (NewRoundEvent) event()         {}
func (ReservationEvent) event()      {}
func (ReservationEndEvent) event()   {}
func (NoPlayersEvent) event()        {}
func (NumberCalledEvent) event()     {}
func (NumberReservedEvent) event()   {}
func (MarkedNumbersEvent) event()    {}
func (WinnerEvent) event()           {}
func (ErrorEvent) event()            {}
func (UserDisconnectedEvent) event() {}

// Encode renders ev as a flat JSON object with its kind in "type".
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}
	out := make([]byte, 0, len(body)+len(ev.Kind())+10)
	out = append(out, `{"type":"`...)
	out = append(out, string(ev.Kind())...)
	out = append(out, '"')
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// Error codes carried by ErrorEvent.
const (
	CodeInvalidMessage      = "invalid_message"
	CodeInvalidNumber       = "invalid_number"
	CodeNumberTaken         = "number_taken"
	CodeAlreadyReserved     = "already_reserved"
	CodeRequestPending      = "request_pending"
	CodeReservationClosed   = "reservation_closed"
	CodeNotCalling          = "not_calling"
	CodeNoReservation       = "no_reservation"
	CodeDisqualified        = "disqualified"
	CodeInsufficientBalance = "insufficient_balance"
	CodeLedgerUnavailable   = "ledger_unavailable"
	CodeRoomClosed          = "room_closed"
	CodeInternal            = "internal"
)

// ErrorFor maps a command error to the event sent back to the client.
func ErrorFor(err error) ErrorEvent {
	codes := []struct {
		target error
		code   string
	}{
		{ErrInvalidNumber, CodeInvalidNumber},
		{ErrNumberTaken, CodeNumberTaken},
		{ErrAlreadyReserved, CodeAlreadyReserved},
		{ErrRequestPending, CodeRequestPending},
		{ErrReservationClosed, CodeReservationClosed},
		{ErrNotCalling, CodeNotCalling},
		{ErrNoReservation, CodeNoReservation},
		{ErrDisqualified, CodeDisqualified},
		{ErrInsufficientBalance, CodeInsufficientBalance},
		{ErrLedgerUnavailable, CodeLedgerUnavailable},
		{ErrRoomClosed, CodeRoomClosed},
	}
	for _, c := range codes {
		if errors.Is(err, c.target) {
			return ErrorEvent{Message: c.target.Error(), Code: c.code}
		}
	}
	return ErrorEvent{Message: "internal error", Code: CodeInternal}
}
