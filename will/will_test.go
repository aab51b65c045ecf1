package will

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/memory"
	"github.com/daringsby/psyche/model"
	"github.com/daringsby/psyche/motor"
)

type willFixture struct {
	will   *Will
	model  *model.MockModel
	store  *memory.InMemoryStore
	broker *core.Broker
	out    *bytes.Buffer
}

func newWillFixture(t *testing.T, optFns ...func(o *Options)) *willFixture {
	t.Helper()
	store := memory.NewInMemoryStore()
	out := &bytes.Buffer{}
	reg := motor.NewRegistry()
	reg.Register(motor.NewSayMotor(out))
	reg.Register(motor.NewLogMotor(nil))
	exec := motor.NewExecutor(reg, store, nil)
	broker := core.NewBroker()
	m := model.NewMockModel("decider")

	opts := append([]func(o *Options){func(o *Options) {
		o.Retry = model.Retry{Attempts: 1}
		o.MinInterval = time.Hour
	}}, optFns...)
	w := New("will", m, store, reg, exec, broker, nil, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = exec.Shutdown(sctx)
	})
	return &willFixture{will: w, model: m, store: store, broker: broker, out: out}
}

func TestWillDispatchesParsedIntention(t *testing.T) {
	f := newWillFixture(t)
	f.model.SetFallback(`I should greet them. <say>Hello there.</say>`)

	f.will.Notify(core.NewImpression(core.LevelSituation, "someone arrived"))

	require.Eventually(t, func() bool {
		return f.store.Count(core.KindCompletion) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "Hello there.", f.out.String())
	assert.Equal(t, 1, f.store.Count(core.KindIntention))
	assert.Equal(t, 1, f.store.Count(core.KindMotorCall))

	in := f.store.EntitiesOf(core.KindIntention)[0].(core.Intention)
	assert.Equal(t, "say", in.Action)
	assert.Equal(t, "Hello there.", in.Body)
}

func TestWillIgnoresOtherLevels(t *testing.T) {
	f := newWillFixture(t)
	f.model.SetFallback(`<say>should not run</say>`)

	f.will.Notify(core.NewImpression(core.LevelInstant, "too low"))
	f.will.Notify(core.NewImpression(core.LevelNarrative, "too high"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.model.Calls())
}

// An unchanged snapshot within the minimum interval skips the model call
// entirely: zero invocations, zero new intentions.
func TestWillThrottlesIdenticalSnapshot(t *testing.T) {
	f := newWillFixture(t)
	f.model.SetFallback(`<say>hi</say>`)

	imp := core.NewImpression(core.LevelSituation, "nothing has changed")
	f.will.Notify(imp)

	require.Eventually(t, func() bool { return f.model.Calls() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.store.Count(core.KindIntention) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Same narrative again: identical snapshot hash inside MinInterval.
	f.will.Notify(core.NewImpression(core.LevelSituation, "nothing has changed"))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, f.model.Calls(), "second trigger must not call the model")
	assert.Equal(t, 1, f.store.Count(core.KindIntention))
}

func TestWillChangedSnapshotIsNotThrottled(t *testing.T) {
	f := newWillFixture(t)
	f.model.SetFallback(`<say>ok</say>`)

	f.will.Notify(core.NewImpression(core.LevelSituation, "first situation"))
	require.Eventually(t, func() bool { return f.model.Calls() == 1 }, 3*time.Second, 10*time.Millisecond)

	f.will.Notify(core.NewImpression(core.LevelSituation, "second situation"))
	require.Eventually(t, func() bool { return f.model.Calls() == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestWillBroadcastsThoughts(t *testing.T) {
	f := newWillFixture(t)
	events, cancel := f.broker.Subscribe(8)
	defer cancel()

	f.model.SetFallback(`They look tired today. <log>visitor seems tired</log>`)
	f.will.Notify(core.NewImpression(core.LevelSituation, "visitor yawning"))

	select {
	case ev := <-events:
		assert.Equal(t, core.BusThought, ev.Kind)
		assert.Equal(t, "They look tired today.", ev.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("no thought broadcast")
	}
}

func TestWillZeroIntentionsIsAnomalyNotFailure(t *testing.T) {
	f := newWillFixture(t)
	f.model.SetFallback(`Hmm, nothing to do.`)

	f.will.Notify(core.NewImpression(core.LevelSituation, "a quiet room"))

	require.Eventually(t, func() bool { return f.model.Calls() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.store.Count(core.KindIntention))
	// The unit keeps running: a later trigger still decides.
	f.will.Notify(core.NewImpression(core.LevelSituation, "a visitor walks in"))
	require.Eventually(t, func() bool { return f.model.Calls() == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestWillRecallFoldedIntoPrompt(t *testing.T) {
	store := memory.NewInMemoryStore()
	prior := core.NewImpression(core.LevelEpisode, "the visitor talked about loneliness yesterday")
	require.NoError(t, store.Insert(context.Background(), prior))

	reg := motor.NewRegistry()
	reg.Register(motor.NewLogMotor(nil))
	exec := motor.NewExecutor(reg, store, nil)
	m := model.NewMockModel("decider")
	m.SetFallback(`<log>noted</log>`)
	w := New("will", m, store, reg, exec, nil, nil, func(o *Options) {
		o.Retry = model.Retry{Attempts: 1}
		o.RecallLimit = 3
	})

	prompt, err := w.buildPrompt(context.Background(), core.NewImpression(core.LevelSituation, "the visitor is lonely again"))
	require.NoError(t, err)
	assert.Contains(t, prompt, "Relevant memories:")
	assert.Contains(t, prompt, "loneliness yesterday")
	assert.Contains(t, prompt, "<log")

	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	_ = exec.Shutdown(sctx)
}
