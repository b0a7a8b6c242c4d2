package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/holiman/uint256"

	"github.com/congo-pay/savevault/internal/account"
	"github.com/congo-pay/savevault/internal/custody"
	"github.com/congo-pay/savevault/internal/notification"
)

type frameKey struct{ l *Ledger }

// frame is one ledger call in flight. The outermost frame holds the ledger
// lock; frames opened by calls made from inside the custody boundary (a
// recipient calling back into the ledger) nest under it.
type frame struct {
	tx     Tx
	parent *frame
	depth  int
	events []notification.Message
	undo   []compensation
}

// compensation reverses one completed boundary movement.
type compensation struct {
	what    string
	reverse func(ctx context.Context) error
}

func (f *frame) emit(m notification.Message) {
	f.events = append(f.events, m)
}

// interact runs a boundary call and, once it succeeds, registers the
// movement's reversal ahead of any registered by frames nested inside the
// call. A failed or panicking call has already been undone by the boundary,
// nested movements included, so their reversals are dropped.
func (f *frame) interact(call func() error, c compensation) error {
	mark := len(f.undo)
	ok := false
	defer func() {
		if !ok {
			f.undo = f.undo[:mark]
		}
	}()
	if err := call(); err != nil {
		return err
	}
	ok = true
	f.undo = slices.Insert(f.undo, mark, c)
	return nil
}

// receive collects amount from addr into custody.
func (l *Ledger) receive(ctx context.Context, f *frame, from account.Address, amount *uint256.Int) error {
	return f.interact(func() error {
		return l.boundary.Receive(ctx, from, amount)
	}, compensation{
		what:    "refund " + amount.Dec() + " to " + from.String(),
		reverse: func(ctx context.Context) error { return l.boundary.Refund(ctx, from, amount) },
	})
}

// pay sends amount out of custody to addr. While a recipient hook runs, calls
// that do not carry the frame's context are refused instead of waiting on
// the lock this frame holds.
func (l *Ledger) pay(ctx context.Context, f *frame, to account.Address, amount *uint256.Int) error {
	if h, ok := l.boundary.(custody.Hooked); ok && h.HasReceiver(to) {
		l.hooks.Add(1)
		defer l.hooks.Add(-1)
	}
	return f.interact(func() error {
		return l.boundary.Send(ctx, to, amount)
	}, compensation{
		what:    "reclaim " + amount.Dec() + " from " + to.String(),
		reverse: func(ctx context.Context) error { return l.boundary.Reclaim(ctx, to, amount) },
	})
}

// run executes fn inside a frame. A failing fn rolls back everything the
// frame did, including nested frames it committed, and reverses the boundary
// movements made along the way. Events raised in the frame reach the
// notifier only once the outermost frame has committed.
func (l *Ledger) run(ctx context.Context, op string, fn func(ctx context.Context, f *frame) error) error {
	parent, _ := ctx.Value(frameKey{l}).(*frame)
	if parent != nil {
		return l.runNested(ctx, parent, op, fn)
	}
	if l.hooks.Load() > 0 {
		return fmt.Errorf("%s: %w", op, ErrReentrantCall)
	}

	events, err := l.runRoot(ctx, op, fn)
	if err != nil {
		return err
	}
	l.publish(ctx, events)
	return nil
}

func (l *Ledger) runRoot(ctx context.Context, op string, fn func(ctx context.Context, f *frame) error) (events []notification.Message, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", op, err)
	}
	f := &frame{tx: tx}
	defer l.abortOnPanic(ctx, f, op)

	if err := fn(context.WithValue(ctx, frameKey{l}, f), f); err != nil {
		return nil, l.abort(ctx, f, op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		l.logger.Error("ledger commit failed", slog.String("op", op), slog.Any("error", err))
		return nil, l.abort(ctx, f, op, fmt.Errorf("%s: commit: %w", op, err))
	}
	return f.events, nil
}

func (l *Ledger) runNested(ctx context.Context, parent *frame, op string, fn func(ctx context.Context, f *frame) error) error {
	tx, err := parent.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin nested: %w", op, err)
	}
	f := &frame{tx: tx, parent: parent, depth: parent.depth + 1}
	defer l.abortOnPanic(ctx, f, op)
	l.logger.Debug("reentrant ledger call", slog.String("op", op), slog.Int("depth", f.depth))

	if err := fn(context.WithValue(ctx, frameKey{l}, f), f); err != nil {
		return l.abort(ctx, f, op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return l.abort(ctx, f, op, fmt.Errorf("%s: commit nested: %w", op, err))
	}
	parent.events = append(parent.events, f.events...)
	parent.undo = append(parent.undo, f.undo...)
	return nil
}

// abortOnPanic undoes the frame when fn panics and lets the panic continue.
func (l *Ledger) abortOnPanic(ctx context.Context, f *frame, op string) {
	if p := recover(); p != nil {
		l.abort(ctx, f, op, fmt.Errorf("panic: %v", p))
		panic(p)
	}
}

// abort rolls the frame's transaction back and reverses its boundary
// movements, newest first. It returns cause, joined with any reversal that
// failed; those leave custody out of step with the ledger and are logged for
// manual repair.
func (l *Ledger) abort(ctx context.Context, f *frame, op string, cause error) error {
	l.rollback(ctx, f.tx, op, cause)

	ctx = context.WithoutCancel(ctx)
	var failed []error
	for i := len(f.undo) - 1; i >= 0; i-- {
		c := f.undo[i]
		if err := c.reverse(ctx); err != nil {
			l.logger.Error("boundary reversal failed",
				slog.String("op", op),
				slog.String("reversal", c.what),
				slog.Any("cause", cause),
				slog.Any("error", err),
			)
			failed = append(failed, fmt.Errorf("%s: %w", c.what, err))
			continue
		}
		l.logger.Warn("boundary movement reversed", slog.String("op", op), slog.String("reversal", c.what))
	}
	f.undo = nil
	if len(failed) > 0 {
		return errors.Join(append([]error{cause, ErrReversalFailed}, failed...)...)
	}
	return cause
}

func (l *Ledger) rollback(ctx context.Context, tx Tx, op string, cause error) {
	if err := tx.Rollback(ctx); err != nil {
		l.logger.Error("ledger rollback failed",
			slog.String("op", op),
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
	}
}

func (l *Ledger) publish(ctx context.Context, events []notification.Message) {
	if l.notifier == nil {
		return
	}
	for _, ev := range events {
		if err := l.notifier.Send(ctx, ev); err != nil {
			l.logger.Warn("event delivery failed",
				slog.String("kind", ev.Kind),
				slog.String("id", ev.ID),
				slog.Any("error", err),
			)
		}
	}
}
