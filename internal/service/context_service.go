package service

import (
	"context"
	"errors"

	"ai-coach-context/internal/dto"
	"ai-coach-context/internal/indexer"
	"ai-coach-context/internal/mapper"
	"ai-coach-context/internal/pkg/logger"
	"ai-coach-context/internal/retriever"
	"ai-coach-context/internal/vectorstore"
)

const logModule = "server"

var ErrIndexRunning = errors.New("a full index is already running")

type ContextRetriever interface {
	Retrieve(ctx context.Context, message string, history []retriever.Message) (*retriever.ConversationContext, error)
}

type NoteIndexer interface {
	IndexAll(ctx context.Context) (indexer.Result, error)
	StartIndexAll(ctx context.Context, done func(indexer.Result, error)) error
	Stats() indexer.Stats
	Dropped() map[string]int
}

type StoreStatter interface {
	Stats() vectorstore.Stats
}

type ReadinessChecker interface {
	IsReady(ctx context.Context) bool
}

type IContextService interface {
	BuildContext(ctx context.Context, req *dto.ContextRequest) (*retriever.ConversationContext, error)
	Stats() *dto.StatsResponse
	Health(ctx context.Context) *dto.HealthResponse
	Reindex(ctx context.Context, wait bool) (*dto.ReindexResponse, error)
}

type contextService struct {
	retriever ContextRetriever
	indexer   NoteIndexer
	store     StoreStatter
	embedder  ReadinessChecker
	mapper    *mapper.ContextMapper
	log       logger.ILogger
}

func NewContextService(
	r ContextRetriever,
	idx NoteIndexer,
	store StoreStatter,
	embedder ReadinessChecker,
	log logger.ILogger,
) IContextService {
	return &contextService{
		retriever: r,
		indexer:   idx,
		store:     store,
		embedder:  embedder,
		mapper:    mapper.NewContextMapper(),
		log:       logger.OrNop(log),
	}
}

func (s *contextService) BuildContext(ctx context.Context, req *dto.ContextRequest) (*retriever.ConversationContext, error) {
	return s.retriever.Retrieve(ctx, req.Message, s.mapper.ToMessages(req.History))
}

func (s *contextService) Stats() *dto.StatsResponse {
	return &dto.StatsResponse{
		Store:   s.store.Stats(),
		Indexer: s.indexer.Stats(),
		Dropped: s.indexer.Dropped(),
	}
}

func (s *contextService) Health(ctx context.Context) *dto.HealthResponse {
	st := s.store.Stats()
	res := &dto.HealthResponse{
		Status:        "ok",
		StoreState:    st.State,
		EmbedderReady: s.embedder != nil && s.embedder.IsReady(ctx),
	}
	if st.State != vectorstore.StateReady.String() || !res.EmbedderReady {
		res.Status = "degraded"
	}
	return res
}

// Reindex runs a full index. Without wait it returns as soon as the run has
// started in the background.
func (s *contextService) Reindex(ctx context.Context, wait bool) (*dto.ReindexResponse, error) {
	if wait {
		res, err := s.indexer.IndexAll(ctx)
		if errors.Is(err, indexer.ErrIndexRunning) {
			return nil, ErrIndexRunning
		}
		if err != nil {
			return nil, err
		}
		return &dto.ReindexResponse{Started: true, Indexed: res.Indexed, Errors: res.Errors}, nil
	}

	err := s.indexer.StartIndexAll(context.Background(), func(res indexer.Result, err error) {
		if err != nil {
			s.log.Error(logModule, "Background reindex failed", map[string]interface{}{"error": err.Error()})
			return
		}
		s.log.Info(logModule, "Background reindex finished", map[string]interface{}{
			"indexed": res.Indexed,
			"errors":  res.Errors,
		})
	})
	if errors.Is(err, indexer.ErrIndexRunning) {
		return nil, ErrIndexRunning
	}
	if err != nil {
		return nil, err
	}
	return &dto.ReindexResponse{Started: true}, nil
}
