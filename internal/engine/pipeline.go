package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
	"github.com/pm-ju/anya-web-extension/internal/logging"
	"github.com/pm-ju/anya-web-extension/internal/models"
	"github.com/pm-ju/anya-web-extension/internal/prompts"
	"github.com/pm-ju/anya-web-extension/internal/rag"
	"github.com/pm-ju/anya-web-extension/internal/session"
)

// Messages sent to the client when a stage fails
const (
	MsgTranscriptionFailed = "Could not understand audio"
	MsgGenerationFailed    = "Failed to generate response"
	MsgSynthesisFailed     = "Failed to generate audio"
)

// TurnOutcome describes how a turn ended
type TurnOutcome int

const (
	// TurnSkipped means the payload was too small to be speech
	TurnSkipped TurnOutcome = iota
	// TurnAborted means transcription or generation failed; nothing was persisted
	TurnAborted
	TurnCompleted
)

func (o TurnOutcome) String() string {
	switch o {
	case TurnSkipped:
		return "skipped"
	case TurnAborted:
		return "aborted"
	case TurnCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// TurnResult summarizes one run of the pipeline
type TurnResult struct {
	Outcome   TurnOutcome
	UserText  string
	Reply     string
	Retrieval rag.Retrieval
	AudioSent bool
	Timings   StageTimings
}

// StageTimings records how long each external stage took
type StageTimings struct {
	Transcribe time.Duration
	Retrieve   time.Duration
	Generate   time.Duration
	Synthesize time.Duration
	Persist    time.Duration
	Total      time.Duration
}

// Deps are the collaborators a Pipeline drives
type Deps struct {
	Transcriber interfaces.Transcriber
	Generator   interfaces.Generator
	Synthesizer interfaces.Synthesizer
	Memory      interfaces.MemoryStore
	Prompts     *prompts.Builder
}

// Pipeline turns one utterance into a spoken reply. A session must not run
// two turns at once; callers serialize turns per session.
type Pipeline struct {
	deps          Deps
	retriever     *rag.Retriever
	minAudioBytes int
	stageTimeout  time.Duration
	logger        *slog.Logger
}

func NewPipeline(cfg config.PipelineConfig, deps Deps) *Pipeline {
	return &Pipeline{
		deps:          deps,
		retriever:     rag.NewRetriever(deps.Memory, cfg.TopK, cfg.MaxMemories, cfg.RelevanceThreshold),
		minAudioBytes: cfg.MinAudioBytes,
		stageTimeout:  cfg.StageTimeout,
		logger:        logging.Component("pipeline"),
	}
}

// RunTurn drives transcribe, retrieve, assemble, generate, synthesize and
// persist for audio, emitting events to sink in that order. A successful
// turn ends with status complete; a failed one with a single error event.
func (p *Pipeline) RunTurn(ctx context.Context, sess *session.Session, audio []byte, sink interfaces.EventSink) TurnResult {
	var result TurnResult
	if len(audio) < p.minAudioBytes {
		p.logger.Debug("dropping short audio payload", "bytes", len(audio), "connection_id", sess.ConnectionID())
		return result
	}

	logger := p.logger.With("connection_id", sess.ConnectionID(), "session_id", sess.SessionID())
	ctx = logging.With(ctx, logger)
	start := time.Now()

	// transcribe
	stageStart := time.Now()
	text, err := p.transcribe(ctx, audio)
	result.Timings.Transcribe = time.Since(stageStart)
	if err != nil || text == "" {
		if err != nil {
			logger.Warn("transcription failed", "error", err)
		} else {
			logger.Info("transcription empty", "bytes", len(audio))
		}
		sink.Emit(interfaces.ErrorEvent(MsgTranscriptionFailed))
		result.Outcome = TurnAborted
		return result
	}
	result.UserText = text
	sink.Emit(interfaces.UserTranscript(text))
	logger.Info("user said", "text", text, "stt", result.Timings.Transcribe)

	// retrieve
	stageStart = time.Now()
	result.Retrieval = p.retrieve(ctx, text)
	result.Timings.Retrieve = time.Since(stageStart)
	switch result.Retrieval.Outcome {
	case rag.RetrievalFailed:
		logger.Warn("memory retrieval failed, continuing without context", "error", result.Retrieval.Err)
	case rag.RetrievalFound:
		logger.Info("retrieved relevant memories",
			"count", len(result.Retrieval.Memories), "candidates", result.Retrieval.Candidates)
	default:
		logger.Info("no relevant memories found", "candidates", result.Retrieval.Candidates)
	}

	// assemble
	req, err := p.deps.Prompts.Build(sess.PageContext(), result.Retrieval.Context(), sess.History(), text)
	if err != nil {
		logger.Error("failed to build prompt", "error", err)
		sink.Emit(interfaces.ErrorEvent(MsgGenerationFailed))
		result.Outcome = TurnAborted
		return result
	}

	// generate
	stageStart = time.Now()
	reply, err := p.generate(ctx, req)
	result.Timings.Generate = time.Since(stageStart)
	if err != nil {
		logger.Error("generation failed", "error", err)
		sink.Emit(interfaces.ErrorEvent(MsgGenerationFailed))
		result.Outcome = TurnAborted
		return result
	}
	result.Reply = reply
	sink.Emit(interfaces.AITranscript(reply))
	logger.Info("reply generated", "text", reply, "llm", result.Timings.Generate)

	// synthesize
	stageStart = time.Now()
	speech, err := p.synthesize(ctx, reply)
	result.Timings.Synthesize = time.Since(stageStart)
	if err != nil {
		logger.Warn("synthesis failed, reply delivered as text only", "error", err)
		sink.Emit(interfaces.ErrorEvent(MsgSynthesisFailed))
	} else {
		sink.Emit(interfaces.AudioResponse(base64.StdEncoding.EncodeToString(speech)))
		result.AudioSent = true
	}

	// persist
	stageStart = time.Now()
	p.persist(ctx, sess, text, reply)
	result.Timings.Persist = time.Since(stageStart)

	result.Outcome = TurnCompleted
	result.Timings.Total = time.Since(start)
	sink.Emit(interfaces.Status(interfaces.StatusComplete))

	logger.Info("turn complete",
		"stt", result.Timings.Transcribe,
		"retrieve", result.Timings.Retrieve,
		"llm", result.Timings.Generate,
		"tts", result.Timings.Synthesize,
		"persist", result.Timings.Persist,
		"total", result.Timings.Total,
		"memory_total", p.deps.Memory.Count())
	return result
}

func (p *Pipeline) transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.deps.Transcriber.Transcribe(ctx, audio)
}

func (p *Pipeline) retrieve(ctx context.Context, text string) rag.Retrieval {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.retriever.Retrieve(ctx, text)
}

func (p *Pipeline) generate(ctx context.Context, req *interfaces.GenerateRequest) (string, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.deps.Generator.Generate(ctx, req)
}

func (p *Pipeline) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.deps.Synthesizer.Synthesize(ctx, text)
}

// persist writes the exchange to the transcript, the memory store and the
// session history, then saves the store. Failures are logged per record;
// the turn still completes.
func (p *Pipeline) persist(ctx context.Context, sess *session.Session, userText, reply string) {
	logger := logging.From(ctx)
	if rec := sess.Recorder(); rec != nil {
		if _, err := rec.Append(models.SpeakerUser, userText); err != nil {
			logger.Error("failed to record user transcript", "error", err)
		}
		if _, err := rec.Append(models.SpeakerAssistant, reply); err != nil {
			logger.Error("failed to record assistant transcript", "error", err)
		}
	}

	p.remember(ctx, userText, models.SpeakerUser, sess.SessionID())
	p.remember(ctx, reply, models.SpeakerAssistant, sess.SessionID())

	sess.AppendTurn(interfaces.RoleUser, userText)
	sess.AppendTurn(interfaces.RoleAssistant, reply)

	if err := p.deps.Memory.Save(); err != nil {
		logger.Error("failed to save memory", "error", err)
	}
}

func (p *Pipeline) remember(ctx context.Context, text string, speaker models.Speaker, sessionID string) {
	logger := logging.From(ctx)
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	id, err := p.deps.Memory.Insert(ctx, text, speaker, sessionID)
	switch {
	case errors.Is(err, rag.ErrCapacityExceeded):
		logger.Warn("memory full, record not stored", "speaker", speaker)
	case err != nil:
		logger.Error("failed to store memory", "speaker", speaker, "error", err)
	default:
		logger.Debug("stored in memory", "id", id, "speaker", speaker)
	}
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.stageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.stageTimeout)
}
