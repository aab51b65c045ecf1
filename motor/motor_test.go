package motor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/memory"
)

// blockingMotor runs until its release channel closes or ctx is cancelled.
type blockingMotor struct {
	desc    Descriptor
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func newBlockingMotor(desc Descriptor) *blockingMotor {
	return &blockingMotor{desc: desc, release: make(chan struct{}), started: make(chan struct{}, 8)}
}

func (b *blockingMotor) Describe() Descriptor { return b.desc }

func (b *blockingMotor) Perform(ctx context.Context, in Invocation) (Result, error) {
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-b.release:
		return Result{Summary: "done"}, nil
	}
}

func (b *blockingMotor) Release() { b.once.Do(func() { close(b.release) }) }

type failingMotor struct{}

func (failingMotor) Describe() Descriptor {
	return Descriptor{Name: "boom", Description: "always fails"}
}

func (failingMotor) Perform(ctx context.Context, in Invocation) (Result, error) {
	return Result{}, errors.New("actuator offline")
}

func newTestExecutor(t *testing.T, motors ...Motor) (*Executor, *memory.InMemoryStore) {
	t.Helper()
	reg := NewRegistry()
	for _, m := range motors {
		reg.Register(m)
	}
	store := memory.NewInMemoryStore()
	e := NewExecutor(reg, store, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, store
}

func awaitOutcome(t *testing.T, h *Handle) core.Entity {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("motor call did not resolve")
	}
	return h.Outcome()
}

func TestExecutorCompletion(t *testing.T) {
	var out bytes.Buffer
	e, store := newTestExecutor(t, NewSayMotor(&out))

	in := core.NewIntention("say", nil)
	in.Body = "hello there"
	h := e.Execute(in, nil)

	outcome := awaitOutcome(t, h)
	comp, ok := outcome.(core.Completion)
	require.True(t, ok, "expected Completion, got %T", outcome)
	assert.Equal(t, h.Call.ID, comp.MotorCallID)
	assert.Equal(t, "hello there", out.String())

	// MotorCall and Completion are persisted (the caller owns the Intention).
	assert.Equal(t, 1, store.Count(core.KindMotorCall))
	assert.Equal(t, 1, store.Count(core.KindCompletion))
	assert.Equal(t, 0, store.Count(core.KindInterruption))
}

func TestExecutorUnknownAction(t *testing.T) {
	e, store := newTestExecutor(t)

	h := e.Execute(core.NewIntention("fly", nil), nil)
	outcome := awaitOutcome(t, h)
	intr, ok := outcome.(core.Interruption)
	require.True(t, ok, "expected Interruption, got %T", outcome)
	assert.Equal(t, core.CauseError, intr.Cause)
	assert.Contains(t, intr.Detail, "unknown action")
	assert.Equal(t, 1, store.Count(core.KindInterruption))
}

func TestExecutorMissingRequiredAttribute(t *testing.T) {
	e, _ := newTestExecutor(t, NewReadFileMotor(t.TempDir()))

	h := e.Execute(core.NewIntention("read_file", nil), nil)
	intr, ok := awaitOutcome(t, h).(core.Interruption)
	require.True(t, ok)
	assert.Equal(t, core.CauseError, intr.Cause)
	assert.Contains(t, intr.Detail, "path")
}

func TestExecutorExecutionError(t *testing.T) {
	e, _ := newTestExecutor(t, failingMotor{})

	h := e.Execute(core.NewIntention("boom", nil), nil)
	intr, ok := awaitOutcome(t, h).(core.Interruption)
	require.True(t, ok)
	assert.Equal(t, core.CauseError, intr.Cause)
	assert.Contains(t, intr.Detail, "actuator offline")
}

// Two speak intentions arriving before the first completes: the first call
// resolves as Interruption(superseded), the second as Completion.
func TestExecutorExclusiveSupersede(t *testing.T) {
	speak := newBlockingMotor(Descriptor{Name: "speak", Description: "test speech", Exclusive: true})
	e, store := newTestExecutor(t, speak)

	first := e.Execute(core.NewIntention("speak", nil), nil)
	<-speak.started

	second := e.Execute(core.NewIntention("speak", nil), nil)

	intr, ok := awaitOutcome(t, first).(core.Interruption)
	require.True(t, ok, "first call should be interrupted")
	assert.Equal(t, core.CauseSuperseded, intr.Cause)

	<-speak.started
	speak.Release()

	comp, ok := awaitOutcome(t, second).(core.Completion)
	require.True(t, ok, "second call should complete")
	assert.Equal(t, second.Call.ID, comp.MotorCallID)

	// Totality: two calls, two terminal records, one each.
	assert.Equal(t, 2, store.Count(core.KindMotorCall))
	assert.Equal(t, 1, store.Count(core.KindCompletion))
	assert.Equal(t, 1, store.Count(core.KindInterruption))
}

func TestExecutorShutdownCancelsInFlight(t *testing.T) {
	slow := newBlockingMotor(Descriptor{Name: "slow", Description: "never finishes"})
	reg := NewRegistry()
	reg.Register(slow)
	store := memory.NewInMemoryStore()
	e := NewExecutor(reg, store, nil)

	h := e.Execute(core.NewIntention("slow", nil), nil)
	<-slow.started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	intr, ok := awaitOutcome(t, h).(core.Interruption)
	require.True(t, ok)
	assert.Equal(t, core.CauseCancelled, intr.Cause)
}

func TestExecutorStreamedBody(t *testing.T) {
	var out bytes.Buffer
	e, _ := newTestExecutor(t, NewSayMotor(&out))

	stream := make(chan string, 4)
	in := core.NewIntention("say", nil)
	h := e.Execute(in, stream)

	stream <- "Hello, "
	stream <- "visitor."
	close(stream)

	comp, ok := awaitOutcome(t, h).(core.Completion)
	require.True(t, ok)
	assert.NotEmpty(t, comp.Result)
	assert.Equal(t, "Hello, visitor.", out.String())
}

func TestSayMotorEmitsEchoSensation(t *testing.T) {
	var got []core.Sensation
	var mu sync.Mutex
	reg := NewRegistry()
	reg.Register(NewSayMotor(&bytes.Buffer{}))
	store := memory.NewInMemoryStore()
	e := NewExecutor(reg, store, nil, func(o *Options) {
		o.Emit = func(s core.Sensation) {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		}
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})

	in := core.NewIntention("say", nil)
	in.Body = "good morning"
	awaitOutcome(t, e.Execute(in, nil))

	// Emit runs after resolution on the call goroutine; wait briefly.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "motor", got[0].Source.Modality)
	assert.Contains(t, got[0].Text, "I said: good morning")
}

func TestReadFileMotor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.txt"), []byte("remember the visitor"), 0o644))
	e, _ := newTestExecutor(t, NewReadFileMotor(root))

	in := core.NewIntention("read_file", map[string]string{"path": "note.txt"})
	comp, ok := awaitOutcome(t, e.Execute(in, nil)).(core.Completion)
	require.True(t, ok)
	assert.Contains(t, comp.Result, "note.txt")
}

func TestRegistryManifest(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewSayMotor(&bytes.Buffer{}))
	reg.Register(NewReadFileMotor("."))

	manifest := reg.Manifest()
	assert.Contains(t, manifest, "<say")
	assert.Contains(t, manifest, "<read_file")
	assert.Contains(t, manifest, "required: path")
	// Sorted by name.
	assert.Less(t, strings.Index(manifest, "<read_file"), strings.Index(manifest, "<say"))
}

func TestValidateAttributes(t *testing.T) {
	d := Descriptor{Name: "move", Attributes: []Attr{
		{Name: "direction", Required: true},
		{Name: "speed"},
	}}

	assert.NoError(t, ValidateAttributes(d, map[string]string{"direction": "north"}))
	assert.Error(t, ValidateAttributes(d, nil))
	assert.Error(t, ValidateAttributes(d, map[string]string{"direction": ""}))
	assert.Error(t, ValidateAttributes(d, map[string]string{"direction": "north", "altitude": "high"}))
}
