package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/credits/internal/models"
)

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// InsertTx stores a webhook delivery. A redelivery of the same event id fails with models.ErrDuplicate.
func (r *EventRepo) InsertTx(ctx context.Context, tx pgx.Tx, e *models.PaymentEvent) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO payment_events (id, provider, type, payload) VALUES ($1, $2, $3, $4)
		RETURNING received_at
	`, e.ID, e.Provider, e.Type, []byte(e.Payload)).Scan(&e.ReceivedAt)
	return mapErr(err)
}

func (r *EventRepo) GetByID(ctx context.Context, id string) (*models.PaymentEvent, error) {
	var e models.PaymentEvent
	var payload []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, provider, type, payload, received_at, processed_at, last_error
		FROM payment_events WHERE id = $1
	`, id).Scan(&e.ID, &e.Provider, &e.Type, &payload, &e.ReceivedAt, &e.ProcessedAt, &e.LastError)
	if err != nil {
		return nil, mapErr(err)
	}
	e.Payload = payload
	return &e, nil
}

// MarkProcessed records the outcome of a processing attempt. A nil procErr marks the event done.
func (r *EventRepo) MarkProcessed(ctx context.Context, id string, procErr error) error {
	if procErr != nil {
		_, err := r.pool.Exec(ctx, `UPDATE payment_events SET last_error = $2 WHERE id = $1`, id, procErr.Error())
		return err
	}
	_, err := r.pool.Exec(ctx, `UPDATE payment_events SET processed_at = now(), last_error = '' WHERE id = $1`, id)
	return err
}
