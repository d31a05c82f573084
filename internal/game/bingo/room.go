package bingo

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telegram-bingo/internal/hub"
	"telegram-bingo/internal/metrics"
	"telegram-bingo/internal/model"
	"telegram-bingo/internal/service"
)

// Ledger is the money collaborator of a room.
type Ledger interface {
	DebitStake(ctx context.Context, userID, amount int64, roundRef string) (*model.LedgerEntry, error)
	RefundStake(ctx context.Context, debit *model.LedgerEntry, reason string) (*model.LedgerEntry, error)
	PayOut(ctx context.Context, userID, amount int64, roundRef string) (*model.LedgerEntry, error)
	PayoutOf(ctx context.Context, roundRef string) (*model.LedgerEntry, error)
}

var errSessionGone = errors.New("no session left for user")

// RoundStore persists round outcomes.
type RoundStore interface {
	Save(ctx context.Context, res *model.RoundResult) error
	LastRoundNumber(ctx context.Context, tier int64) (int64, error)
}

// Broadcaster fans events out to the sessions of a tier.
type Broadcaster interface {
	Register(tier int64, s hub.Session)
	Unregister(s hub.Session) bool
	Broadcast(tier int64, msg any)
	UserSessions(tier, userID int64) int
}

// Notifier pushes a direct message to a user outside the game connection.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Publisher announces finished rounds to other processes.
type Publisher interface {
	Publish(ctx context.Context, res *model.RoundResult) error
}

// Options holds the timings of a room.
type Options struct {
	ReservationWindow time.Duration
	TickInterval      time.Duration
	CallInterval      time.Duration
	Cooldown          time.Duration
	PayoutAttempts    int
	// LedgerTimeout bounds a single ledger or store call.
	LedgerTimeout time.Duration
	// Rand draws the call order. Nil means a randomly seeded source.
	Rand *rand.Rand
}

// Room drives the rounds of one stake tier. All round state is owned by the
// goroutine running Run; client commands are handed to it over cmds.
type Room struct {
	tier  int64
	stake int64

	ledger    Ledger
	rounds    RoundStore
	hub       Broadcaster
	notifier  Notifier
	publisher Publisher
	opts      Options
	rng       *rand.Rand
	log       zerolog.Logger

	cmds chan func()
	done chan struct{}

	round    *Round
	deadline time.Time
}

// NewRoom creates a room for tier. notifier and publisher may be nil.
func NewRoom(tier, stake int64, ledger Ledger, rounds RoundStore, b Broadcaster, notifier Notifier, publisher Publisher, opts Options) *Room {
	if opts.PayoutAttempts < 1 {
		opts.PayoutAttempts = 1
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 10 * time.Second
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Room{
		tier:      tier,
		stake:     stake,
		ledger:    ledger,
		rounds:    rounds,
		hub:       b,
		notifier:  notifier,
		publisher: publisher,
		opts:      opts,
		rng:       rng,
		log:       log.With().Int64("tier", tier).Logger(),
		cmds:      make(chan func()),
		done:      make(chan struct{}),
	}
}

// Tier returns the stake tier id.
func (r *Room) Tier() int64 { return r.tier }

// Stake returns the stake in minor units.
func (r *Room) Stake() int64 { return r.stake }

// Run plays rounds until ctx is cancelled. Reservations of a round cut short
// by shutdown are refunded.
func (r *Room) Run(ctx context.Context) error {
	defer close(r.done)

	last, err := r.rounds.LastRoundNumber(ctx, r.tier)
	if err != nil {
		return fmt.Errorf("failed to load last round of tier %d: %w", r.tier, err)
	}
	r.log.Info().Int64("round_number", last+1).Msg("Room started")

	for number := last + 1; ; number++ {
		if err := r.playRound(ctx, number); err != nil {
			r.interrupt()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.log.Info().Msg("Room stopped")
				return nil
			}
			return err
		}
	}
}

func (r *Room) playRound(ctx context.Context, number int64) error {
	round := NewRound(r.tier, number, r.stake)
	r.round = round
	r.hub.Broadcast(r.tier, NewRoundEvent{RoundNumber: number, Stake: r.stake})

	r.deadline = time.Now().Add(r.opts.ReservationWindow)
	for {
		left := time.Until(r.deadline)
		if left <= 0 {
			break
		}
		r.hub.Broadcast(r.tier, ReservationEvent{
			SecondsLeft:     secondsLeft(left),
			ReservedNumbers: round.ReservedNumbers(),
			Players:         round.Players(),
			Pot:             round.Pot(),
		})
		if err := r.wait(ctx, min(r.opts.TickInterval, left)); err != nil {
			return err
		}
	}

	// Selects whose ledger call is in flight still land in this round.
	round.StopReservations()
	if err := r.drain(ctx, round); err != nil {
		return err
	}
	players := round.CloseReservation()
	r.hub.Broadcast(r.tier, ReservationEndEvent{Players: players, Pot: round.Pot()})

	result := &model.RoundResult{
		RoundRef:    round.Ref,
		Tier:        r.tier,
		RoundNumber: number,
		Players:     players,
		Pot:         round.Pot(),
		Status:      model.RoundNoPlayers,
	}

	if players == 0 {
		r.hub.Broadcast(r.tier, NoPlayersEvent{RoundNumber: number})
	} else {
		result.Status = model.RoundNoWinner
		if err := r.call(ctx, round, result); err != nil {
			return err
		}
	}

	round.Resolve()
	result.CalledCount = len(round.called)
	result.FinishedAt = time.Now()
	r.finish(result)

	round.Cool()
	return r.wait(ctx, r.opts.Cooldown)
}

// call draws numbers until a winner is paid or the draw runs out.
func (r *Room) call(ctx context.Context, round *Round, result *model.RoundResult) error {
	for _, i := range r.rng.Perm(MaxNumber) {
		n := i + 1
		if err := round.Call(n); err != nil {
			return fmt.Errorf("round %s: %w", round.Ref, err)
		}
		metrics.RecordCall(r.tier)
		r.hub.Broadcast(r.tier, NumberCalledEvent{Number: n, CalledNumbers: round.Called()})

		// Marks for n arrive during the interval.
		if err := r.wait(ctx, r.opts.CallInterval); err != nil {
			return err
		}
		if r.settle(round, result) {
			return nil
		}
	}
	r.log.Warn().Str("round_ref", round.Ref).Msg("All numbers called without a winner")
	return nil
}

// settle picks the winner of the latest call, if any, and pays the pot.
func (r *Room) settle(round *Round, result *model.RoundResult) bool {
	candidates := round.Candidates()
	if len(candidates) == 0 {
		return false
	}
	winner := candidates[0]
	round.DeclareWinner(winner)
	round.Resolve()

	number := winner.Number
	pot := round.Pot()
	result.WinnerID = &winner.UserID
	result.WinningNumber = &number

	var err error
	r.await(func() { err = r.payOut(winner.UserID, pot, round.Ref) })
	if err != nil {
		result.Status = model.RoundPayoutFailed
		r.log.Error().Err(err).
			Str("round_ref", round.Ref).
			Int64("user_id", winner.UserID).
			Int64("pot", pot).
			Msg("Payout failed, winner event withheld")
		return true
	}

	result.Status = model.RoundWon
	metrics.RecordPayout(r.tier, pot)
	r.hub.Broadcast(r.tier, WinnerEvent{
		WinnerID:      winner.UserID,
		WinningNumber: number,
		WinningCells:  winner.WinningCells,
		Pot:           pot,
	})
	r.log.Info().
		Str("round_ref", round.Ref).
		Int64("user_id", winner.UserID).
		Int64("pot", pot).
		Int("called", len(round.called)).
		Msg("Round won")

	if r.notifier != nil {
		text := fmt.Sprintf("You won %d.%02d in bingo round %s!", pot/100, pot%100, round.Ref)
		go func(userID int64) {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.LedgerTimeout)
			defer cancel()
			if err := r.notifier.Notify(ctx, userID, text); err != nil {
				r.log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to notify winner")
			}
		}(winner.UserID)
	}
	return true
}

func (r *Room) payOut(userID, pot int64, roundRef string) error {
	var err error
	for attempt := 1; attempt <= r.opts.PayoutAttempts; attempt++ {
		ctx, cancel := r.ledgerContext()
		_, err = r.ledger.PayOut(ctx, userID, pot, roundRef)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, service.ErrAlreadyRecorded) {
			return r.confirmPayout(userID, pot, roundRef)
		}
		r.log.Warn().Err(err).
			Str("round_ref", roundRef).
			Int("attempt", attempt).
			Msg("Payout attempt failed")
	}
	return err
}

// confirmPayout accepts an existing payout only if it is this one.
func (r *Room) confirmPayout(userID, pot int64, roundRef string) error {
	ctx, cancel := r.ledgerContext()
	defer cancel()
	prior, err := r.ledger.PayoutOf(ctx, roundRef)
	if err != nil {
		return fmt.Errorf("failed to load payout of round %s: %w", roundRef, err)
	}
	if prior.UserID != userID || prior.Amount != pot {
		return fmt.Errorf("%w: round %s paid %d to user %d", service.ErrPayoutMismatch, roundRef, prior.Amount, prior.UserID)
	}
	return nil
}

// finish persists and publishes the outcome. Neither failure stops the room.
func (r *Room) finish(result *model.RoundResult) {
	var err error
	r.await(func() {
		for attempt := 1; attempt <= r.opts.PayoutAttempts; attempt++ {
			ctx, cancel := r.ledgerContext()
			err = r.rounds.Save(ctx, result)
			cancel()
			if err == nil {
				return
			}
		}
	})
	if err != nil {
		r.log.Error().Err(err).Str("round_ref", result.RoundRef).Msg("Failed to save round result")
	}
	metrics.RecordRound(r.tier, string(result.Status), result.Players)

	if r.publisher != nil {
		ctx, cancel := r.ledgerContext()
		defer cancel()
		if err := r.publisher.Publish(ctx, result); err != nil {
			r.log.Warn().Err(err).Str("round_ref", result.RoundRef).Msg("Failed to publish round result")
		}
	}
}

// interrupt refunds every stake of a round that cannot finish. Once a winner
// is declared the pot belongs to the winner and nothing is undone.
func (r *Room) interrupt() {
	round := r.round
	if round == nil || round.Winner() != nil || round.Players() == 0 {
		return
	}
	if round.Phase() == PhaseResolving || round.Phase() == PhaseCooldown {
		return
	}
	for _, res := range round.Reservations() {
		ctx, cancel := r.ledgerContext()
		_, err := r.ledger.RefundStake(ctx, res.Debit, service.ReasonRoundInterrupted)
		cancel()
		if err != nil && !errors.Is(err, service.ErrAlreadyRecorded) {
			r.log.Error().Err(err).
				Str("round_ref", round.Ref).
				Int64("user_id", res.UserID).
				Msg("Failed to refund interrupted stake, left for recovery")
		}
	}

	ctx, cancel := r.ledgerContext()
	defer cancel()
	result := &model.RoundResult{
		RoundRef:    round.Ref,
		Tier:        r.tier,
		RoundNumber: round.Number,
		Players:     round.Players(),
		Pot:         round.Pot(),
		CalledCount: len(round.called),
		Status:      model.RoundInterrupted,
		FinishedAt:  time.Now(),
	}
	if err := r.rounds.Save(ctx, result); err != nil {
		r.log.Error().Err(err).Str("round_ref", round.Ref).Msg("Failed to save interrupted round")
	}
	metrics.RecordRound(r.tier, string(result.Status), result.Players)
	r.log.Warn().Str("round_ref", round.Ref).Int("players", result.Players).Msg("Round interrupted")
}

// Join registers s with the tier, reattaches the user's reservation and
// sends the init snapshot.
func (r *Room) Join(ctx context.Context, s hub.Session) error {
	return r.do(ctx, func() {
		r.hub.Register(r.tier, s)
		round := r.round
		if round == nil {
			return
		}
		ev := InitEvent{
			RoundNumber:     round.Number,
			Phase:           round.Phase(),
			CalledNumbers:   round.Called(),
			ReservedNumbers: round.ReservedNumbers(),
			Players:         round.Players(),
			Pot:             round.Pot(),
			Stake:           r.stake,
			UserID:          s.UserID(),
			MarkedNumbers:   []int{},
		}
		if round.Phase() == PhaseReservation {
			ev.SecondsLeft = secondsLeft(time.Until(r.deadline))
		}
		if res, ok := round.Reservation(s.UserID()); ok {
			round.SetConnected(s.UserID(), true)
			number, board := res.Number, res.Board
			ev.SelectedNumber = &number
			ev.Playboard = &board
			ev.MarkedNumbers = res.MarkedNumbers()
			ev.Eligible = res.Eligible
		}
		r.send(s, ev)
	})
}

// Select handles select_number: a first reservation, or a deselect when the
// user picks their own number again. The ledger call runs on the caller's
// goroutine while the number is held in the round.
func (r *Room) Select(ctx context.Context, s hub.Session, number int) error {
	userID := s.UserID()
	var (
		round  *Round
		res    *Reservation
		action SelectAction
		cmdErr error
	)
	err := r.do(ctx, func() {
		round = r.round
		if round == nil {
			cmdErr = ErrReservationClosed
			return
		}
		action, cmdErr = round.PlanSelect(userID, number)
		if cmdErr != nil {
			metrics.RecordReservation(r.tier, metrics.ResultRejected)
			return
		}
		round.Hold(userID, number, action)
		res, _ = round.Reservation(userID)
	})
	if err != nil {
		return err
	}
	if cmdErr == nil {
		if action == SelectRelease {
			cmdErr = r.release(round, res, false)
		} else {
			cmdErr = r.reserve(round, userID, number)
		}
	}
	if cmdErr != nil {
		r.send(s, ErrorFor(cmdErr))
	}
	return cmdErr
}

// reserve debits the stake, then records the reservation. A debit that
// cannot be recorded is refunded.
func (r *Room) reserve(round *Round, userID int64, number int) error {
	ctx, cancel := r.ledgerContext()
	debit, err := r.ledger.DebitStake(ctx, userID, r.stake, round.Ref)
	cancel()
	if err != nil {
		metrics.RecordReservation(r.tier, metrics.ResultRejected)
		if !errors.Is(err, service.ErrInsufficientBalance) {
			r.log.Error().Err(err).Int64("user_id", userID).Str("round_ref", round.Ref).Msg("Stake debit failed")
		}
		_ = r.do(context.Background(), func() { round.Unhold(userID) })
		return err
	}

	var cmdErr error
	err = r.do(context.Background(), func() {
		if r.hub.UserSessions(r.tier, userID) == 0 {
			round.Unhold(userID)
			cmdErr = errSessionGone
			return
		}
		res, err := round.Reserve(userID, number, debit)
		if err != nil {
			round.Unhold(userID)
			cmdErr = err
			return
		}
		board := res.Board
		r.hub.Broadcast(r.tier, NumberReservedEvent{
			ReservedNumbers: round.ReservedNumbers(),
			Players:         round.Players(),
			Pot:             round.Pot(),
			UserID:          userID,
			SelectedNumber:  &number,
			Playboard:       &board,
		})
	})
	if err == nil {
		err = cmdErr
	}
	if err != nil {
		metrics.RecordReservation(r.tier, metrics.ResultRejected)
		_ = r.refund(debit, service.ReasonStakeRefund)
		return err
	}
	metrics.RecordReservation(r.tier, metrics.ResultOK)
	return nil
}

// release refunds res, then drops it from the round. On a failed refund the
// reservation is kept.
func (r *Room) release(round *Round, res *Reservation, disconnected bool) error {
	refundErr := r.refund(res.Debit, service.ReasonStakeRefund)
	err := r.do(context.Background(), func() {
		if refundErr != nil {
			round.Unhold(res.UserID)
			return
		}
		if _, err := round.Release(res.UserID); err != nil {
			round.Unhold(res.UserID)
			return
		}
		if disconnected {
			r.broadcastDisconnect(round, res.UserID)
			return
		}
		r.hub.Broadcast(r.tier, NumberReservedEvent{
			ReservedNumbers: round.ReservedNumbers(),
			Players:         round.Players(),
			Pot:             round.Pot(),
			UserID:          res.UserID,
		})
	})
	if refundErr != nil {
		return refundErr
	}
	return err
}

// Mark handles mark_number during Calling.
func (r *Room) Mark(ctx context.Context, s hub.Session, number int) error {
	var (
		marked []int
		cmdErr error
	)
	err := r.do(ctx, func() {
		if r.round == nil {
			cmdErr = ErrNotCalling
			return
		}
		marked, cmdErr = r.round.Mark(s.UserID(), number)
	})
	if err != nil {
		return err
	}
	if cmdErr != nil {
		r.send(s, ErrorFor(cmdErr))
		return cmdErr
	}
	r.send(s, MarkedNumbersEvent{MarkedNumbers: marked})
	return nil
}

// Leave unregisters s. When it was the user's last session in the tier a
// reservation is refunded during Reservation, or flagged as disconnected
// during Calling.
func (r *Room) Leave(ctx context.Context, s hub.Session) error {
	userID := s.UserID()
	var (
		round *Round
		res   *Reservation
	)
	err := r.do(ctx, func() {
		r.hub.Unregister(s)
		current := r.round
		if current == nil || r.hub.UserSessions(r.tier, userID) > 0 {
			return
		}
		own, ok := current.Reservation(userID)
		if !ok {
			return
		}
		switch current.Phase() {
		case PhaseReservation:
			// A request in flight from another session settles on its own.
			if current.Busy(userID) {
				return
			}
			current.Hold(userID, own.Number, SelectRelease)
			round, res = current, own
		case PhaseCalling:
			current.SetConnected(userID, false)
			r.broadcastDisconnect(current, userID)
		}
	})
	if err != nil || round == nil {
		return err
	}
	return r.release(round, res, true)
}

func (r *Room) broadcastDisconnect(round *Round, userID int64) {
	r.hub.Broadcast(r.tier, UserDisconnectedEvent{
		UserID:          userID,
		Players:         round.Players(),
		Pot:             round.Pot(),
		ReservedNumbers: round.ReservedNumbers(),
	})
}

// refund returns a stake. It is safe off the room goroutine.
func (r *Room) refund(debit *model.LedgerEntry, reason string) error {
	ctx, cancel := r.ledgerContext()
	defer cancel()
	_, err := r.ledger.RefundStake(ctx, debit, reason)
	if err != nil && !errors.Is(err, service.ErrAlreadyRecorded) {
		ev := r.log.Error().Err(err).Int64("user_id", debit.UserID)
		if debit.RoundRef != nil {
			ev = ev.Str("round_ref", *debit.RoundRef)
		}
		ev.Msg("Stake refund failed, left for recovery")
		return err
	}
	return nil
}

func (r *Room) send(s hub.Session, ev Event) {
	if err := s.Send(ev); err != nil {
		r.log.Debug().Err(err).Str("session_id", s.ID()).Msg("Failed to send to session")
	}
}

func (r *Room) ledgerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opts.LedgerTimeout)
}

// do runs fn on the room goroutine and waits for it.
func (r *Room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// drain serves commands until no ledger call of round is in flight.
func (r *Room) drain(ctx context.Context, round *Round) error {
	for round.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-r.cmds:
			cmd()
		}
	}
	return nil
}

// wait serves commands for d.
func (r *Room) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case cmd := <-r.cmds:
			cmd()
		}
	}
}

// await runs fn off the room goroutine and serves commands until it returns.
// fn must not touch round state.
func (r *Room) await(fn func()) {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		fn()
	}()
	for {
		select {
		case <-finished:
			return
		case cmd := <-r.cmds:
			cmd()
		}
	}
}

func secondsLeft(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
