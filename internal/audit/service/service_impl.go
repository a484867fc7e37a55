package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/audit/domain"
	obscontext "github.com/smallbiznis/entitle/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxListLimit = 200

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, tx *gorm.DB, input domain.RecordInput) error {
	if input.AccountID == 0 {
		return domain.ErrInvalidAccountID
	}
	eventType := strings.TrimSpace(input.EventType)
	if eventType == "" {
		return domain.ErrInvalidEventType
	}
	origin := strings.TrimSpace(input.Origin)
	if origin == "" {
		return domain.ErrInvalidOrigin
	}

	entry := &domain.Entry{
		ID:            s.genID.Generate(),
		AccountID:     input.AccountID,
		EventType:     eventType,
		Origin:        origin,
		SourceEventID: input.SourceEventID,
		PreviousState: toJSONMap(input.PreviousState),
		NewState:      toJSONMap(input.NewState),
		CreatedAt:     time.Now().UTC(),
	}
	if actorType, actorID := obscontext.ActorFromContext(ctx); actorType != "" {
		entry.ActorType = &actorType
		if actorID != "" {
			entry.ActorID = &actorID
		}
	}

	db := tx
	if db == nil {
		db = s.db
	}
	return s.repo.Insert(ctx, db, entry)
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return s.repo.List(ctx, s.db, filter)
}

func toJSONMap(input map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range input {
		if strings.TrimSpace(key) == "" {
			continue
		}
		out[key] = value
	}
	return out
}
