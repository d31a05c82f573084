package bingo

import (
	"errors"
	"sort"

	"telegram-bingo/internal/model"
	"telegram-bingo/internal/service"
)

// Phase is the stage a round is in.
type Phase string

const (
	PhaseReservation Phase = "reservation"
	PhaseCalling     Phase = "calling"
	PhaseResolving   Phase = "resolving"
	PhaseCooldown    Phase = "cooldown"
)

// Command errors. They are reported to the issuing session only.
var (
	ErrInvalidNumber       = errors.New("number must be between 1 and 75")
	ErrNumberTaken         = errors.New("number already reserved")
	ErrAlreadyReserved     = errors.New("you already reserved a number")
	ErrRequestPending      = errors.New("your previous request is still being processed")
	ErrReservationClosed   = errors.New("reservation is closed")
	ErrNotCalling          = errors.New("numbers are not being called")
	ErrNoReservation       = errors.New("you have no reservation in this round")
	ErrDisqualified        = errors.New("wrong number, you are out")
	ErrAlreadyCalled       = errors.New("number already called")
	ErrRoomClosed          = errors.New("room is closed")
	ErrInsufficientBalance = service.ErrInsufficientBalance
	ErrLedgerUnavailable   = service.ErrLedgerUnavailable
)

// Reservation is one player's participation in a round.
type Reservation struct {
	UserID int64
	Number int
	Board  Board
	// Seq orders reservations by creation within the round.
	Seq          int64
	Debit        *model.LedgerEntry
	Eligible     bool
	Winner       bool
	Connected    bool
	WinningCells []Cell

	marks  Marks
	marked []int
}

// MarkedNumbers returns the acknowledged numbers in marking order.
func (r *Reservation) MarkedNumbers() []int {
	return append([]int{}, r.marked...)
}

// SelectAction is what a select_number command resolves to.
type SelectAction int

const (
	SelectReserve SelectAction = iota + 1
	SelectRelease
)

// Round holds the state of one play within a room. It is not safe for
// concurrent use; the owning Room serializes every call.
type Round struct {
	Tier   int64
	Number int64
	Ref    string
	Stake  int64

	phase        Phase
	called       []int
	calledMarks  Marks
	reservations map[int64]*Reservation
	byNumber     map[int]*Reservation
	nextSeq      int64
	winner       *Reservation

	// pending maps users with a ledger call in flight to the number it is
	// for; held marks numbers whose stake debit is in flight.
	pending map[int64]int
	held    map[int]int64
	closing bool
}

// NewRound starts a round in the Reservation phase.
func NewRound(tier, number, stake int64) *Round {
	return &Round{
		Tier:         tier,
		Number:       number,
		Ref:          model.RoundRef(tier, number),
		Stake:        stake,
		phase:        PhaseReservation,
		reservations: make(map[int64]*Reservation),
		byNumber:     make(map[int]*Reservation),
		pending:      make(map[int64]int),
		held:         make(map[int]int64),
	}
}

func (r *Round) Phase() Phase { return r.phase }

// Players is the number of reservations, disqualified ones included.
func (r *Round) Players() int { return len(r.reservations) }

// Pot is the stake of every reservation.
func (r *Round) Pot() int64 { return r.Stake * int64(len(r.reservations)) }

// ReservedNumbers returns the held numbers in ascending order.
func (r *Round) ReservedNumbers() []int {
	out := make([]int, 0, len(r.byNumber))
	for n := range r.byNumber {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Called returns the drawn numbers in draw order.
func (r *Round) Called() []int {
	return append([]int{}, r.called...)
}

// LastCalled returns the most recent draw.
func (r *Round) LastCalled() (int, bool) {
	if len(r.called) == 0 {
		return 0, false
	}
	return r.called[len(r.called)-1], true
}

// Reservation returns the user's reservation in this round.
func (r *Round) Reservation(userID int64) (*Reservation, bool) {
	res, ok := r.reservations[userID]
	return res, ok
}

// Reservations returns all reservations in creation order.
func (r *Round) Reservations() []*Reservation {
	out := make([]*Reservation, 0, len(r.reservations))
	for _, res := range r.reservations {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Winner returns the declared winner, if any.
func (r *Round) Winner() *Reservation { return r.winner }

// PlanSelect decides what select_number(userID, number) means without
// changing state. Selecting one's own number again releases it.
func (r *Round) PlanSelect(userID int64, number int) (SelectAction, error) {
	if !ValidNumber(number) {
		return 0, ErrInvalidNumber
	}
	if r.phase != PhaseReservation || r.closing {
		return 0, ErrReservationClosed
	}
	if _, busy := r.pending[userID]; busy {
		return 0, ErrRequestPending
	}
	if own, ok := r.reservations[userID]; ok {
		if own.Number == number {
			return SelectRelease, nil
		}
		return 0, ErrAlreadyReserved
	}
	if r.taken(userID, number) {
		return 0, ErrNumberTaken
	}
	return SelectReserve, nil
}

func (r *Round) taken(userID int64, number int) bool {
	if _, ok := r.byNumber[number]; ok {
		return true
	}
	holder, ok := r.held[number]
	return ok && holder != userID
}

// Hold marks a planned select as in flight until Unhold, Reserve or
// Release. A held number stays unavailable to other players.
func (r *Round) Hold(userID int64, number int, action SelectAction) {
	r.pending[userID] = number
	if action == SelectReserve {
		r.held[number] = userID
	}
}

// Unhold drops the user's in-flight marker.
func (r *Round) Unhold(userID int64) {
	number, ok := r.pending[userID]
	if !ok {
		return
	}
	delete(r.pending, userID)
	if r.held[number] == userID {
		delete(r.held, number)
	}
}

// Busy reports whether a ledger call for the user is in flight.
func (r *Round) Busy(userID int64) bool {
	_, ok := r.pending[userID]
	return ok
}

// Pending is the number of in-flight ledger calls.
func (r *Round) Pending() int { return len(r.pending) }

// StopReservations rejects new selects while in-flight ones settle. The
// round stays in the Reservation phase until CloseReservation.
func (r *Round) StopReservations() { r.closing = true }

// Reserve records a paid reservation and clears the user's hold. debit is
// the stake entry.
func (r *Round) Reserve(userID int64, number int, debit *model.LedgerEntry) (*Reservation, error) {
	if !ValidNumber(number) {
		return nil, ErrInvalidNumber
	}
	if r.phase != PhaseReservation {
		return nil, ErrReservationClosed
	}
	if _, ok := r.reservations[userID]; ok {
		return nil, ErrAlreadyReserved
	}
	if r.taken(userID, number) {
		return nil, ErrNumberTaken
	}
	r.Unhold(userID)
	board, _ := BoardFor(number)
	r.nextSeq++
	res := &Reservation{
		UserID:    userID,
		Number:    number,
		Board:     board,
		Seq:       r.nextSeq,
		Debit:     debit,
		Eligible:  true,
		Connected: true,
	}
	r.reservations[userID] = res
	r.byNumber[number] = res
	return res, nil
}

// Release deletes the user's reservation. Only valid during Reservation.
func (r *Round) Release(userID int64) (*Reservation, error) {
	if r.phase != PhaseReservation {
		return nil, ErrReservationClosed
	}
	res, ok := r.reservations[userID]
	if !ok {
		return nil, ErrNoReservation
	}
	r.Unhold(userID)
	delete(r.reservations, userID)
	delete(r.byNumber, res.Number)
	return res, nil
}

// SetConnected flags whether the user currently has a live session.
func (r *Round) SetConnected(userID int64, connected bool) bool {
	res, ok := r.reservations[userID]
	if ok {
		res.Connected = connected
	}
	return ok
}

// CloseReservation freezes reservations. Rounds with players move to
// Calling; empty rounds go straight to Cooldown.
func (r *Round) CloseReservation() int {
	r.closing = false
	if len(r.reservations) == 0 {
		r.phase = PhaseCooldown
	} else {
		r.phase = PhaseCalling
	}
	return len(r.reservations)
}

// Call appends a drawn number.
func (r *Round) Call(n int) error {
	if r.phase != PhaseCalling {
		return ErrNotCalling
	}
	if !ValidNumber(n) {
		return ErrInvalidNumber
	}
	if r.calledMarks.Has(n) {
		return ErrAlreadyCalled
	}
	r.called = append(r.called, n)
	r.calledMarks.Add(n)
	return nil
}

// Mark acknowledges that the user matched number. Marking anything other
// than the latest draw, or marking twice, disqualifies the player; the
// stake stays in the pot.
func (r *Round) Mark(userID int64, number int) ([]int, error) {
	if !ValidNumber(number) {
		return nil, ErrInvalidNumber
	}
	if r.phase != PhaseCalling {
		return nil, ErrNotCalling
	}
	res, ok := r.reservations[userID]
	if !ok {
		return nil, ErrNoReservation
	}
	if !res.Eligible {
		return nil, ErrDisqualified
	}
	last, _ := r.LastCalled()
	if number != last || res.marks.Has(number) {
		res.Eligible = false
		return nil, ErrDisqualified
	}
	res.marks.Add(number)
	res.marked = append(res.marked, number)
	return res.MarkedNumbers(), nil
}

// Candidates returns eligible, non-winning reservations whose marks
// complete a line, earliest reservation first.
func (r *Round) Candidates() []*Reservation {
	var out []*Reservation
	for _, res := range r.Reservations() {
		if !res.Eligible || res.Winner {
			continue
		}
		if cells := WinningCells(&res.Board, &res.marks); cells != nil {
			out = append(out, res)
		}
	}
	return out
}

// DeclareWinner flags res as the round's single winner.
func (r *Round) DeclareWinner(res *Reservation) {
	res.Winner = true
	res.WinningCells = WinningCells(&res.Board, &res.marks)
	r.winner = res
}

// Resolve moves a Calling round to Resolving.
func (r *Round) Resolve() { r.phase = PhaseResolving }

// Cool moves the round to Cooldown.
func (r *Round) Cool() { r.phase = PhaseCooldown }
