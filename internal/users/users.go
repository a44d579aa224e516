// Package users mirrors identities confirmed by the external session
// provider and records terms acceptance.
package users

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/hakimelghazi/exchange-ledger/internal/apperr"
	"github.com/hakimelghazi/exchange-ledger/internal/models"
	"github.com/hakimelghazi/exchange-ledger/internal/store"
)

type Directory struct {
	st  store.Store
	log *zap.Logger
}

func NewDirectory(st store.Store, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{st: st, log: log.Named("users")}
}

// EnsureUser creates the user or refreshes its display name.
func (d *Directory) EnsureUser(ctx context.Context, id, username string) (*models.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "user id is required")
	}
	var out *models.User
	err := d.st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpsertUser(ctx, &models.User{ID: id, Username: strings.TrimSpace(username)}); err != nil {
			return err
		}
		u, err := tx.User(ctx, id)
		out = u
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Directory) AcceptTerms(ctx context.Context, id string) (*models.User, error) {
	var out *models.User
	err := d.st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.SetAcceptedTerms(ctx, id); err != nil {
			return err
		}
		u, err := tx.User(ctx, id)
		out = u
		return err
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("terms accepted", zap.String("user", id))
	return out, nil
}

func (d *Directory) Get(ctx context.Context, id string) (*models.User, error) {
	var out *models.User
	err := d.st.WithTx(ctx, func(tx store.Tx) error {
		u, err := tx.User(ctx, id)
		out = u
		return err
	})
	return out, err
}

// CanTrade fails with Forbidden unless the user exists and accepted the terms.
func CanTrade(ctx context.Context, tx store.Tx, id string) error {
	u, err := tx.User(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.New(apperr.KindForbidden, "unknown user %s", id)
	}
	if err != nil {
		return err
	}
	if !u.AcceptedTerms {
		return apperr.New(apperr.KindForbidden, "user %s has not accepted the terms", id)
	}
	return nil
}
