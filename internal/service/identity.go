package service

import (
	"context"
	"time"

	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/repository"
)

type actorKey struct{}

// WithActor stores the authenticated actor on the request context.
func WithActor(ctx context.Context, actor *model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) *model.Actor {
	actor, _ := ctx.Value(actorKey{}).(*model.Actor)
	return actor
}

// IdentityResolver decides which tenant an operation runs under.
type IdentityResolver interface {
	Resolve(ctx context.Context, claimed *model.Actor) (*model.Actor, error)
}

// ContextResolver accepts only the actor placed on the context by
// authentication middleware.
type ContextResolver struct{}

func (ContextResolver) Resolve(ctx context.Context, _ *model.Actor) (*model.Actor, error) {
	actor := ActorFromContext(ctx)
	if !actor.Complete() {
		return nil, apperrors.Unauthorized("Authentication required")
	}
	return actor, nil
}

// FallbackResolver fills whatever the caller did not supply with the oldest
// account, organization and user in the store. Development only.
type FallbackResolver struct {
	repo    repository.IdentityRepository
	timeout time.Duration
}

func NewFallbackResolver(repo repository.IdentityRepository, timeout time.Duration) *FallbackResolver {
	return &FallbackResolver{repo: repo, timeout: timeout}
}

func (r *FallbackResolver) Resolve(ctx context.Context, claimed *model.Actor) (*model.Actor, error) {
	actor := model.Actor{}
	if fromCtx := ActorFromContext(ctx); fromCtx != nil {
		actor = *fromCtx
	} else if claimed != nil {
		actor = *claimed
	}
	if actor.Complete() {
		return &actor, nil
	}

	ctx, cancel := withStoreTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	if actor.AccountID == "" {
		if actor.AccountID, err = r.repo.FirstAccountID(ctx); err != nil {
			return nil, storeErr(err)
		}
		if actor.AccountID == "" {
			return nil, apperrors.NoAccountFound()
		}
	}
	if actor.OrganizationID == "" {
		if actor.OrganizationID, err = r.repo.FirstOrganizationID(ctx, actor.AccountID); err != nil {
			return nil, storeErr(err)
		}
		if actor.OrganizationID == "" {
			return nil, apperrors.NoOrganizationFound()
		}
	}
	if actor.UserID == "" {
		if actor.UserID, err = r.repo.FirstUserID(ctx, actor.AccountID); err != nil {
			return nil, storeErr(err)
		}
		if actor.UserID == "" {
			return nil, apperrors.NoUserFound()
		}
	}
	return &actor, nil
}

// StaticResolver always yields the same actor.
type StaticResolver struct {
	Actor model.Actor
}

func (r StaticResolver) Resolve(context.Context, *model.Actor) (*model.Actor, error) {
	actor := r.Actor
	return &actor, nil
}
