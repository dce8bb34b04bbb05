package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studyroom-sync-be/internal/dto"
	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/realtime"
	"studyroom-sync-be/pkg/llm"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// RosterReader answers roster reads for sessions hosted by another instance.
type RosterReader interface {
	MirroredRoster(ctx context.Context, sessionID string) ([]realtime.Participant, error)
}

type ISessionService interface {
	CreateRoom(ctx context.Context, request *dto.CreateRoomRequest) (*dto.RoomResponse, error)
	GetRoom(ctx context.Context, sessionID string) (*dto.RoomResponse, error)
	GetMessages(ctx context.Context, sessionID string, since int64, limit int) (*dto.MessagesResponse, error)
	PostMessage(ctx context.Context, sessionID, senderID string, request *dto.PostMessageRequest) (*dto.PostMessageResponse, error)
	GetRoster(ctx context.Context, sessionID string) (*dto.RosterResponse, error)
	GetTimer(ctx context.Context, sessionID string) (*realtime.TimerState, error)
	ControlTimer(ctx context.Context, sessionID string, request *dto.TimerControlRequest) (*realtime.TimerState, error)
	SetTyping(ctx context.Context, sessionID, userID string, typing bool) error
	StreamCompletion(ctx context.Context, sessionID, userID string, request *dto.CompletionRequest, onEvent func(llm.CompletionEvent) error) (*realtime.Message, error)
}

type sessionService struct {
	engine       *realtime.Engine
	store        realtime.MessageStore
	rosters      RosterReader
	llmProvider  llm.StreamingProvider
	assistantID  string
	historyLimit int
	llmOptions   []llm.Option
	logger       logger.ILogger
}

func NewSessionService(
	engine *realtime.Engine,
	store realtime.MessageStore,
	rosters RosterReader,
	llmProvider llm.StreamingProvider,
	assistantID string,
	historyLimit int,
	log logger.ILogger,
	llmOptions ...llm.Option,
) ISessionService {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &sessionService{
		engine:       engine,
		store:        store,
		rosters:      rosters,
		llmProvider:  llmProvider,
		assistantID:  assistantID,
		historyLimit: historyLimit,
		llmOptions:   llmOptions,
		logger:       log,
	}
}

func (s *sessionService) CreateRoom(ctx context.Context, request *dto.CreateRoomRequest) (*dto.RoomResponse, error) {
	room, err := s.engine.CreateSession(ctx, request.Id)
	if err != nil {
		return nil, err
	}
	return &dto.RoomResponse{
		Id:           room.ID,
		Participants: room.Participants,
		CreatedAt:    room.CreatedAt,
	}, nil
}

func (s *sessionService) GetRoom(ctx context.Context, sessionID string) (*dto.RoomResponse, error) {
	coord, err := s.engine.Get(sessionID)
	if err != nil {
		return nil, err
	}
	room, err := coord.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &dto.RoomResponse{
		Id:           room.ID,
		Participants: room.Participants,
		CreatedAt:    room.CreatedAt,
	}, nil
}

// GetMessages serves from the replay window and falls back to the store
// when the window no longer covers since.
func (s *sessionService) GetMessages(ctx context.Context, sessionID string, since int64, limit int) (*dto.MessagesResponse, error) {
	coord, err := s.engine.Get(sessionID)
	if err != nil {
		return nil, err
	}
	res, err := coord.Since(ctx, since)
	if err != nil {
		return nil, err
	}
	if !res.Truncated {
		return &dto.MessagesResponse{Messages: res.Messages}, nil
	}

	if limit <= 0 {
		limit = 100
	}
	page, err := s.store.LoadMessagesAfter(ctx, sessionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", realtime.ErrPersistenceFailed, err)
	}
	return joinPage(page, limit, res.Messages), nil
}

// joinPage stitches a store page onto the replay window. A short page means
// the store had nothing more; a full page only joins the window when no id
// can sit between its last message and the window's first.
func joinPage(page []realtime.Message, limit int, window []realtime.Message) *dto.MessagesResponse {
	last := int64(-1)
	if len(page) > 0 {
		last = page[len(page)-1].ID
	}
	reachesWindow := len(page) < limit || (len(window) > 0 && last >= window[0].ID-1)
	if !reachesWindow {
		return &dto.MessagesResponse{Messages: page, Truncated: true}
	}
	for _, m := range window {
		if m.ID > last {
			page = append(page, m)
		}
	}
	return &dto.MessagesResponse{Messages: page}
}

func (s *sessionService) PostMessage(ctx context.Context, sessionID, senderID string, request *dto.PostMessageRequest) (*dto.PostMessageResponse, error) {
	coord, err := s.engine.Get(sessionID)
	if err != nil {
		return nil, err
	}
	msg, dup, err := coord.Append(ctx, senderID, request.Content, request.ClientMsgId)
	if err != nil {
		return nil, err
	}
	return &dto.PostMessageResponse{Message: msg, Duplicate: dup}, nil
}

func (s *sessionService) GetRoster(ctx context.Context, sessionID string) (*dto.RosterResponse, error) {
	coord, err := s.engine.Get(sessionID)
	if errors.Is(err, realtime.ErrRoomNotFound) && s.rosters != nil {
		roster, mirrorErr := s.rosters.MirroredRoster(ctx, sessionID)
		if mirrorErr != nil {
			return nil, mirrorErr
		}
		return &dto.RosterResponse{Participants: roster, Typing: []string{}, Mirrored: true}, nil
	}
	if err != nil {
		return nil, err
	}

	roster, err := coord.Roster(ctx)
	if err != nil {
		return nil, err
	}
	typing, err := coord.ActiveTypists(ctx)
	if err != nil {
		return nil, err
	}
	return &dto.RosterResponse{Participants: roster, Typing: typing}, nil
}

func (s *sessionService) GetTimer(ctx context.Context, sessionID string) (*realtime.TimerState, error) {
	coord, err := s.engine.Get(sessionID)
	if err != nil {
		return nil, err
	}
	state, err := coord.TimerState(ctx)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *sessionService) ControlTimer(ctx context.Context, sessionID string, request *dto.TimerControlRequest) (*realtime.TimerState, error) {
	coord, err := s.engine.Get(sessionID)
	if err != nil {
		return nil, err
	}

	var state realtime.TimerState
	switch request.Action {
	case "start":
		var mode realtime.TimerMode
		if request.Mode != "" {
			if mode, err = realtime.ParseTimerMode(request.Mode); err != nil {
				return nil, err
			}
		}
		state, err = coord.StartTimer(ctx, mode)
	case "stop":
		state, err = coord.StopTimer(ctx)
	case "reset":
		state, err = coord.ResetTimer(ctx)
	default:
		return nil, fmt.Errorf("%w: timer action %q", realtime.ErrUnknownEvent, request.Action)
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// StreamCompletion posts the prompt to the room, streams the model's answer
// into a streaming exchange and mirrors every step to onEvent. Chunks
// handed to onEvent carry the cumulative text.
func (s *sessionService) StreamCompletion(
	ctx context.Context,
	sessionID, userID string,
	request *dto.CompletionRequest,
	onEvent func(llm.CompletionEvent) error,
) (*realtime.Message, error) {
	coord, err := s.engine.Get(sessionID)
	if err != nil {
		return nil, err
	}
	requestID := request.RequestId
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if _, _, err := coord.Append(ctx, userID, request.Prompt, requestID); err != nil {
		return nil, err
	}
	recent, err := coord.History(ctx, s.historyLimit)
	if err != nil {
		return nil, err
	}
	// The exchange cancels the upstream call when it ends on its own, for
	// instance when the idle watchdog aborts a stalled stream.
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	if err := coord.StartExchange(ctx, requestID, "", realtime.WithUpstreamCancel(stopStream)); err != nil {
		return nil, err
	}

	var finalText string
	finished := false
	streamErr := s.llmProvider.ChatStream(streamCtx, s.toHistory(recent), func(e llm.CompletionEvent) error {
		switch e.Type {
		case llm.CompletionChunk:
			cumulative, err := coord.AppendChunk(ctx, requestID, e.Content)
			if err != nil {
				return err
			}
			return onEvent(llm.CompletionEvent{Type: llm.CompletionChunk, Content: cumulative})
		case llm.CompletionFinal:
			finalText = e.Content
			finished = true
		}
		return nil
	}, s.completionOptions(request)...)

	if streamErr == nil && finished {
		msg, err := coord.Finalize(ctx, requestID, finalText)
		if err == nil {
			onEvent(llm.CompletionEvent{Type: llm.CompletionFinal, Content: msg.Content})
			return &msg, nil
		}
		if !errors.Is(err, realtime.ErrExchangeAborted) {
			return nil, err
		}
		streamErr = errors.New("exchange aborted before the final event")
	}

	if streamErr == nil {
		streamErr = errors.New("stream ended without a final event")
	}
	s.logger.Warn("SessionService", "Completion stream failed, aborting exchange", map[string]interface{}{
		"session_id": sessionID,
		"request_id": requestID,
		"error":      streamErr.Error(),
	})

	// The caller may be gone; the room still needs its terminal message.
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	msg, err := coord.Abort(abortCtx, requestID)
	switch {
	case err == nil:
		onEvent(llm.CompletionEvent{Type: llm.CompletionFinal, Content: msg.Content})
	case errors.Is(err, realtime.ErrExchangeAborted):
		// Aborted inside the room already; relay the text it ended with.
		if res, resErr := coord.Exchange(abortCtx, requestID); resErr == nil {
			onEvent(llm.CompletionEvent{Type: llm.CompletionFinal, Content: res.Text})
		}
	default:
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", realtime.ErrUpstreamFailed, streamErr)
}

// toHistory turns room messages into chat turns. System notices are not
// shown to the model.
func (s *sessionService) toHistory(msgs []realtime.Message) []llm.Message {
	return lo.FilterMap(msgs, func(m realtime.Message, _ int) (llm.Message, bool) {
		switch {
		case m.Kind == realtime.KindSystem:
			return llm.Message{}, false
		case m.SenderID == s.assistantID:
			return llm.Message{Role: "assistant", Content: m.Content}, true
		default:
			return llm.Message{Role: "user", Content: m.SenderID + ": " + m.Content}, true
		}
	})
}

// completionOptions layers the request's overrides on top of the
// configured model defaults.
func (s *sessionService) completionOptions(request *dto.CompletionRequest) []llm.Option {
	opts := append([]llm.Option(nil), s.llmOptions...)
	if request.Model != "" {
		opts = append(opts, llm.WithModel(request.Model))
	}
	if request.Temperature != nil {
		opts = append(opts, llm.WithTemperature(*request.Temperature))
	}
	return opts
}

func (s *sessionService) SetTyping(ctx context.Context, sessionID, userID string, typing bool) error {
	coord, err := s.engine.Get(sessionID)
	if err != nil {
		return err
	}
	if typing {
		return coord.SetTyping(ctx, userID)
	}
	return coord.ClearTyping(ctx, userID)
}
