package wit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/memory"
	"github.com/daringsby/psyche/model"
)

// captureModel records every prompt and answers with a fixed response.
type captureModel struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	fail    bool
}

func (c *captureModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, req.Input)
	c.mu.Unlock()
	respCh := make(chan model.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(respCh)
		defer close(errCh)
		if c.fail {
			errCh <- errors.New("model unavailable")
			return
		}
		respCh <- model.Response{Text: c.reply, FinishReason: "stop"}
	}()
	return respCh, errCh
}

func (c *captureModel) Info() model.Info { return model.Info{Name: "capture", Provider: "test"} }

func (c *captureModel) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

func startWit(t *testing.T, w *Wit) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWitCountThresholdTriggers(t *testing.T) {
	store := memory.NewInMemoryStore()
	m := &captureModel{reply: "Two things happened at once."}
	w := New("instant", core.LevelInstant, m, store, nil, func(o *Options) {
		o.CountThreshold = 2
		o.Quiescence = time.Hour // only the count can trigger
		o.Retry = model.Retry{Attempts: 1}
	})
	startWit(t, w)

	s1 := core.NewSensation(core.Source{Modality: "chat"}, "hello")
	s2 := core.NewSensation(core.Source{Modality: "chat"}, "anyone home?")
	require.NoError(t, store.Insert(context.Background(), s1))
	require.NoError(t, store.Insert(context.Background(), s2))
	w.Enqueue(s1)
	w.Enqueue(s2)

	require.Eventually(t, func() bool {
		return store.Count(core.KindImpression) == 1
	}, 2*time.Second, 10*time.Millisecond)

	imps := store.EntitiesOf(core.KindImpression)
	imp := imps[0].(core.Impression)
	assert.Equal(t, core.LevelInstant, imp.Level)
	assert.Equal(t, "Two things happened at once.", imp.Narrative)

	sources := store.LinksFrom(imp.ID, core.RelationSummarizes)
	assert.ElementsMatch(t, []string{s1.ID, s2.ID}, sources)
}

func TestWitQuiescenceTriggers(t *testing.T) {
	store := memory.NewInMemoryStore()
	m := &captureModel{reply: "A quiet moment."}
	w := New("instant", core.LevelInstant, m, store, nil, func(o *Options) {
		o.CountThreshold = 100
		o.Quiescence = 30 * time.Millisecond
		o.Retry = model.Retry{Attempts: 1}
	})
	startWit(t, w)

	w.Enqueue(core.NewSensation(core.Source{Modality: "chat"}, "just one thing"))

	require.Eventually(t, func() bool {
		return store.Count(core.KindImpression) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWitDropsWindowOnExhaustedRetries(t *testing.T) {
	store := memory.NewInMemoryStore()
	m := &captureModel{fail: true}
	health := core.NewHealthTracker(3)
	w := New("instant", core.LevelInstant, m, store, nil, func(o *Options) {
		o.CountThreshold = 1
		o.Retry = model.Retry{Attempts: 2, BaseDelay: time.Millisecond}
		o.Health = health
	})
	startWit(t, w)

	w.Enqueue(core.NewSensation(core.Source{Modality: "chat"}, "doomed"))

	require.Eventually(t, func() bool {
		return len(m.Prompts()) >= 2 // both attempts of the retry budget
	}, 2*time.Second, 10*time.Millisecond)

	// Window dropped: no impression, no re-queue, failure counted.
	assert.Equal(t, 0, store.Count(core.KindImpression))
	require.Eventually(t, func() bool { return health.Failures() >= 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, w.Pending())
}

func TestWitRecallAugmentation(t *testing.T) {
	store := memory.NewInMemoryStore()
	prior := core.NewImpression(core.LevelSituation, "The visitor mentioned feeling lonely before.")
	require.NoError(t, store.Insert(context.Background(), prior))

	m := &captureModel{reply: "Loneliness again."}
	w := New("situation", core.LevelSituation, m, store, nil, func(o *Options) {
		o.CountThreshold = 1
		o.RecallLimit = 3
		o.Retry = model.Retry{Attempts: 1}
	})
	startWit(t, w)

	w.Enqueue(core.NewSensation(core.Source{Modality: "chat"}, "the visitor is lonely"))

	require.Eventually(t, func() bool { return len(m.Prompts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	prompt := m.Prompts()[0]
	assert.Contains(t, prompt, "Relevant memories:")
	assert.Contains(t, prompt, "feeling lonely before")
}

// A chat sensation flows through an instant wit into a situation wit: the
// instant impression summarizes the sensation, and the situation impression
// summarizes the feedback sensation derived from the instant one.
func TestWitFeedbackChaining(t *testing.T) {
	store := memory.NewInMemoryStore()

	instantM := &captureModel{reply: "The visitor told me they feel lonely."}
	situationM := &captureModel{reply: "Someone lonely is reaching out to me."}

	instant := New("instant", core.LevelInstant, instantM, store, nil, func(o *Options) {
		o.CountThreshold = 1
		o.Retry = model.Retry{Attempts: 1}
	})
	situation := New("situation", core.LevelSituation, situationM, store, nil, func(o *Options) {
		o.CountThreshold = 1
		o.Retry = model.Retry{Attempts: 1}
	})
	instant.SetFeedback(situation.EnqueueSensation)
	startWit(t, instant)
	startWit(t, situation)

	s := core.NewSensation(core.Source{Modality: "chat"}, "I feel lonely")
	require.NoError(t, store.Insert(context.Background(), s))
	instant.Enqueue(s)

	require.Eventually(t, func() bool {
		return store.Count(core.KindImpression) == 2
	}, 3*time.Second, 10*time.Millisecond)

	var instImp, sitImp core.Impression
	for _, e := range store.EntitiesOf(core.KindImpression) {
		imp := e.(core.Impression)
		switch imp.Level {
		case core.LevelInstant:
			instImp = imp
		case core.LevelSituation:
			sitImp = imp
		}
	}
	require.NotEmpty(t, instImp.ID)
	require.NotEmpty(t, sitImp.ID)
	assert.Contains(t, strings.ToLower(instImp.Narrative), "lonely")

	// Instant impression summarizes the raw sensation.
	assert.Equal(t, []string{s.ID}, store.LinksFrom(instImp.ID, core.RelationSummarizes))

	// Situation impression summarizes the feedback sensation, which is
	// derived from the instant impression.
	fbIDs := store.LinksFrom(sitImp.ID, core.RelationSummarizes)
	require.Len(t, fbIDs, 1)
	assert.Equal(t, []string{instImp.ID}, store.LinksFrom(fbIDs[0], core.RelationDerivedFrom))

	fb, ok := store.Entity(fbIDs[0])
	require.True(t, ok)
	assert.Equal(t, instImp.ID, fb.(core.Sensation).FromImpression)
}
