package motor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/daringsby/psyche/core"
	"github.com/daringsby/psyche/logging"
)

// sayMotor voices body text on a speech device. It accepts streamed input so
// speech can begin before the closing tag arrives, and it is exclusive: a
// newer utterance supersedes one still in progress.
type sayMotor struct {
	mu  sync.Mutex
	out io.Writer
}

// NewSayMotor constructs the say motor writing utterances to out.
func NewSayMotor(out io.Writer) Motor {
	if out == nil {
		out = os.Stdout
	}
	return &sayMotor{out: out}
}

func (s *sayMotor) Describe() Descriptor {
	return Descriptor{
		Name:        "say",
		Description: "Speak the body text aloud. Keep utterances short and conversational.",
		Attributes: []Attr{
			{Name: "voice", Description: "Voice preset to use", Required: false},
		},
		AcceptsStream: true,
		Exclusive:     true,
	}
}

func (s *sayMotor) Perform(ctx context.Context, in Invocation) (Result, error) {
	var spoke strings.Builder
	emit := func(chunk string) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := io.WriteString(s.out, chunk); err != nil {
			return err
		}
		spoke.WriteString(chunk)
		return nil
	}

	if in.Stream == nil {
		if err := emit(in.Intention.Body); err != nil {
			return Result{}, err
		}
	} else {
		for {
			var chunk string
			var ok bool
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case chunk, ok = <-in.Stream:
			}
			if !ok {
				break
			}
			if err := emit(chunk); err != nil {
				return Result{}, err
			}
		}
	}

	said := strings.TrimSpace(spoke.String())
	if said == "" {
		return Result{Summary: "nothing to say"}, nil
	}
	echo := core.NewSensation(core.Source{Modality: "motor", Device: "say"}, fmt.Sprintf("I said: %s", said))
	return Result{Summary: "spoke " + fmt.Sprint(len(said)) + " chars", Sensations: []core.Sensation{echo}}, nil
}

// logMotor writes the body to the structured log. Useful as a cheap action
// for internal notes the agent wants recorded but not spoken.
type logMotor struct {
	logger *logging.PsycheLogger
}

// NewLogMotor constructs the log motor.
func NewLogMotor(logger *logging.PsycheLogger) Motor {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	return &logMotor{logger: logger.WithUnit("motor.log")}
}

func (l *logMotor) Describe() Descriptor {
	return Descriptor{
		Name:        "log",
		Description: "Record the body text as an internal note without speaking it.",
		Attributes: []Attr{
			{Name: "level", Description: "info or warn, defaults to info", Required: false},
		},
	}
}

func (l *logMotor) Perform(ctx context.Context, in Invocation) (Result, error) {
	body, err := in.Body(ctx)
	if err != nil {
		return Result{}, err
	}
	switch in.Intention.Attributes["level"] {
	case "warn":
		l.logger.Warn("agent.note", "text", body)
	default:
		l.logger.Info("agent.note", "text", body)
	}
	return Result{Summary: "noted"}, nil
}

// readFileMotor reads a file under a configured root and returns its
// contents as a follow-up sensation, letting the agent perceive what it
// read on the next cycle.
type readFileMotor struct {
	root string
}

// NewReadFileMotor constructs the read_file motor confined to root.
func NewReadFileMotor(root string) Motor {
	if root == "" {
		root = "."
	}
	return &readFileMotor{root: root}
}

func (r *readFileMotor) Describe() Descriptor {
	return Descriptor{
		Name:        "read_file",
		Description: "Read a text file relative to the workspace root. The contents arrive as a new sensation.",
		Attributes: []Attr{
			{Name: "path", Description: "File path relative to the workspace root", Required: true},
		},
	}
}

const readFileLimit = 64 * 1024

func (r *readFileMotor) Perform(ctx context.Context, in Invocation) (Result, error) {
	rel := in.Intention.Attributes["path"]
	full := filepath.Join(r.root, filepath.Clean("/"+rel))
	data, err := os.ReadFile(full)
	if err != nil {
		return Result{}, NewMotorError("read_file", err.Error(), CodeExecution)
	}
	if len(data) > readFileLimit {
		data = data[:readFileLimit]
	}
	text := fmt.Sprintf("Contents of %s:\n%s", rel, string(data))
	s := core.NewSensation(core.Source{Modality: "motor", Device: "read_file"}, text)
	return Result{Summary: fmt.Sprintf("read %d bytes from %s", len(data), rel), Sensations: []core.Sensation{s}}, nil
}
