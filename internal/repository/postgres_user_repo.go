package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/sanctum/internal/model"
)

const userColumns = `id, external_identity, email, display_name, role,
	subscription_tier, subscription_status, billing_subscription_ref, subscription_ends_at,
	created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresUserRepo はPostgreSQLを使用したUserDirectory実装。
type PostgresUserRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db, now: time.Now}
}

// GetByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByExternalIdentity は外部IdPのキーでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) GetByExternalIdentity(ctx context.Context, externalIdentity string) (*model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE external_identity = $1`, externalIdentity)
}

// GetByBillingRef は課金サブスクリプション参照でユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) GetByBillingRef(ctx context.Context, billingRef string) (*model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE billing_subscription_ref = $1`, billingRef)
}

// Upsert は外部IdPのプロフィールでユーザーを作成または更新する。
// INSERT ... ON CONFLICTの1文で行うため、同一external_identityの同時ログインでも行は1つになる。
// 既存行ではemail・display_nameのみ更新し、role・subscription系フィールドは変更しない。
func (r *PostgresUserRepo) Upsert(ctx context.Context, profile model.ExternalProfile) (*model.User, error) {
	now := r.now()
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, external_identity, email, display_name, role,
		                    subscription_tier, subscription_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (external_identity) DO UPDATE
		 SET email = EXCLUDED.email,
		     display_name = EXCLUDED.display_name,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		uuid.New().String(), profile.ExternalIdentity(), profile.Email, profile.DisplayName,
		model.RoleMember, model.TierFree, model.SubscriptionStatusNone, now,
	)

	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// UpdatePartial はサブスクリプション関連フィールドを部分更新する。
// パッチで指定されたカラムのみをSETに含める。
func (r *PostgresUserRepo) UpdatePartial(ctx context.Context, id string, patch model.SubscriptionPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	if err := validatePatch(patch); err != nil {
		return err
	}

	query, args := buildSubscriptionUpdate(id, patch, r.now())

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user subscription: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するsessionsはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresUserRepo) getOne(ctx context.Context, query string, arg any) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// validatePatch はDBのCHECK制約に届く前に未定義のティア・ステータスを弾く。
func validatePatch(patch model.SubscriptionPatch) error {
	if patch.Tier != nil && !patch.Tier.Valid() {
		return fmt.Errorf("invalid subscription tier %q", *patch.Tier)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("invalid subscription status %q", *patch.Status)
	}
	return nil
}

// buildSubscriptionUpdate はパッチからUPDATE文と引数を組み立てる。
func buildSubscriptionUpdate(id string, patch model.SubscriptionPatch, now time.Time) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Tier != nil {
		add("subscription_tier", string(*patch.Tier))
	}
	if patch.Status != nil {
		add("subscription_status", string(*patch.Status))
	}
	switch {
	case patch.ClearBillingRef:
		sets = append(sets, "billing_subscription_ref = NULL")
	case patch.BillingRef != nil:
		add("billing_subscription_ref", *patch.BillingRef)
	}
	switch {
	case patch.ClearEndsAt:
		sets = append(sets, "subscription_ends_at = NULL")
	case patch.EndsAt != nil:
		add("subscription_ends_at", *patch.EndsAt)
	}
	add("updated_at", now)

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	return query, args
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		user       model.User
		role       string
		tier       string
		status     string
		billingRef sql.NullString
		endsAt     sql.NullTime
	)
	err := row.Scan(
		&user.ID, &user.ExternalIdentity, &user.Email, &user.DisplayName, &role,
		&tier, &status, &billingRef, &endsAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.Role = model.Role(role)
	user.SubscriptionTier = model.Tier(tier)
	user.SubscriptionStatus = model.SubscriptionStatus(status)
	if billingRef.Valid {
		ref := billingRef.String
		user.BillingSubscriptionRef = &ref
	}
	if endsAt.Valid {
		t := endsAt.Time
		user.SubscriptionEndsAt = &t
	}
	return &user, nil
}

// compile-time interface check
var _ UserDirectory = (*PostgresUserRepo)(nil)
