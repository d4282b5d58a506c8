package actor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stamn/agent/internal/actor"
	"github.com/stamn/agent/internal/actor/actortest"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	actor.InputBase
	n int
}

type testEffect struct {
	actor.EffectBase
	n int
}

func sumReducer(state int, input actor.Input) (int, []actor.Effect) {
	ev, ok := input.(testEvent)
	if !ok {
		return state, nil
	}
	return state + ev.n, []actor.Effect{testEffect{n: ev.n}}
}

func TestActorProcessesInputsSequentially(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{}
	a := actor.New[int](0, sumReducer, rt)
	a.Start()
	defer a.Stop()

	for i := 1; i <= 5; i++ {
		require.True(t, a.Enqueue(testEvent{n: i}), "enqueue %d", i)
	}

	require.Eventually(t, func() bool { return a.State() == 15 }, 2*time.Second, 10*time.Millisecond)

	effects := actortest.OfType[testEffect](rt.Effects())
	require.Len(t, effects, 5)
	for i, eff := range effects {
		require.Equal(t, i+1, eff.n, "effects must keep mailbox order")
	}
}

func TestActorEnqueueBlocksInsteadOfDropping(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{}
	a := actor.New[int](0, sumReducer, rt, actor.WithMailboxSize[int](1))

	// Not started: the first input fills the mailbox, the second must wait.
	require.True(t, a.Enqueue(testEvent{n: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.EnqueueContext(ctx, testEvent{n: 2}), context.DeadlineExceeded)

	accepted := make(chan bool, 1)
	go func() { accepted <- a.Enqueue(testEvent{n: 2}) }()

	a.Start()
	defer a.Stop()

	require.True(t, <-accepted)
	require.Eventually(t, func() bool { return a.State() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestActorStopRejectsInputs(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{}
	a := actor.New[int](0, sumReducer, rt)
	a.Start()
	a.Stop()
	a.Stop()

	<-a.Done()
	require.False(t, a.Enqueue(testEvent{n: 1}))
	require.ErrorIs(t, a.EnqueueContext(context.Background(), testEvent{n: 1}), actor.ErrStopped)
	require.Equal(t, 2, rt.Stopped())
}

func TestActorHooksObserveTransitions(t *testing.T) {
	t.Parallel()

	type transition struct{ prev, next int }
	seen := make(chan transition, 4)

	a := actor.New[int](10, sumReducer, nil, actor.WithHooks(actor.Hooks[int]{
		OnTransition: func(prev, next int, _ actor.Input) {
			seen <- transition{prev: prev, next: next}
		},
	}))
	a.Start()
	defer a.Stop()

	a.Enqueue(testEvent{n: 5})
	select {
	case tr := <-seen:
		require.Equal(t, transition{prev: 10, next: 15}, tr)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for transition")
	}
}

func TestReplayFoldsInputsInOrder(t *testing.T) {
	t.Parallel()

	state, effects := actor.Replay(0, sumReducer, testEvent{n: 1}, testEvent{n: 2}, testEvent{n: 4})
	require.Equal(t, 7, state)
	require.Len(t, effects, 3)

	next, single := actor.Step(state, testEvent{n: 3}, sumReducer)
	require.Equal(t, 10, next)
	require.Len(t, single, 1)
}

func TestFakeClockFiresTimersInDeadlineOrder(t *testing.T) {
	t.Parallel()

	clock := actortest.NewFakeClock(time.Unix(0, 0))
	var fired []string

	clock.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clock.AfterFunc(1*time.Second, func() {
		fired = append(fired, "a")
		clock.AfterFunc(1*time.Second, func() { fired = append(fired, "b") })
	})
	stopped := clock.AfterFunc(2500*time.Millisecond, func() { fired = append(fired, "never") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	clock.Advance(2 * time.Second)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, 1, clock.PendingTimers())

	clock.Advance(time.Second)
	require.Equal(t, []string{"a", "b", "c"}, fired)
	require.Equal(t, time.Unix(3, 0), clock.Now())
}
