package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/authbackend/internal/model"
)

// DefaultRedisKeyPrefix はトークンキーのデフォルトプレフィックス。
const DefaultRedisKeyPrefix = "authbackend:"

// storedAccessToken はRedisに保存するトークンのJSON表現。
type storedAccessToken struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisAccessTokenRepo はRedisを使用したトークンストア。
// トークンはSETNXで挿入し、有効期限をキーのTTLとして設定する。
// ユーザー単位の削除のため、ユーザーIDごとのセットで逆引きインデックスを持つ。
type RedisAccessTokenRepo struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
	logger    *slog.Logger
}

// RedisOption はRedisAccessTokenRepoのオプション。
type RedisOption func(*RedisAccessTokenRepo)

// WithRedisLogger はインデックス更新失敗などの警告を出力するロガーを設定する。
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *RedisAccessTokenRepo) { r.logger = logger }
}

// NewRedisAccessTokenRepo はRedisAccessTokenRepoを生成する。
func NewRedisAccessTokenRepo(client redis.UniversalClient, keyPrefix string, opts ...RedisOption) *RedisAccessTokenRepo {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	r := &RedisAccessTokenRepo{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisAccessTokenRepo) tokenKey(token string) string {
	return r.keyPrefix + "token:" + token
}

func (r *RedisAccessTokenRepo) userKey(userID string) string {
	return r.keyPrefix + "user_tokens:" + userID
}

// Create はトークンを挿入する。既に同じキーが存在する場合はErrDuplicateTokenを返す。
func (r *RedisAccessTokenRepo) Create(ctx context.Context, token *model.AccessToken) error {
	ttl := token.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		// 発行時点で期限切れのトークンは保存しても解決できない
		ttl = time.Millisecond
	}

	data, err := json.Marshal(storedAccessToken{
		UserID:    token.UserID,
		CreatedAt: token.CreatedAt,
		ExpiresAt: token.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.tokenKey(token.Token), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create access token: %w", err)
	}
	if !ok {
		return ErrDuplicateToken
	}

	userKey := r.userKey(token.UserID)
	if err := r.client.SAdd(ctx, userKey, token.Token).Err(); err != nil {
		// インデックス作成に失敗した場合はトークンも取り消す
		if delErr := r.client.Del(ctx, r.tokenKey(token.Token)).Err(); delErr != nil {
			r.logger.WarnContext(ctx, "インデックス失敗後のトークン削除に失敗しました",
				slog.String("user_id", token.UserID),
				slog.String("error", delErr.Error()),
			)
		}
		return fmt.Errorf("failed to index access token: %w", err)
	}
	// 寿命は固定なので、最後に発行したトークンの期限までインデックスを保持すればよい
	if err := r.client.Expire(ctx, userKey, ttl).Err(); err != nil {
		r.logger.WarnContext(ctx, "トークンインデックスの有効期限設定に失敗しました",
			slog.String("key", userKey),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// FindByToken はトークン値で検索する。見つからない場合はnilを返す。
func (r *RedisAccessTokenRepo) FindByToken(ctx context.Context, token string) (*model.AccessToken, error) {
	data, err := r.client.Get(ctx, r.tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find access token: %w", err)
	}

	var stored storedAccessToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}

	return &model.AccessToken{
		Token:     token,
		UserID:    stored.UserID,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}, nil
}

// Delete はトークンを削除する。存在しない場合もエラーにしない。
func (r *RedisAccessTokenRepo) Delete(ctx context.Context, token string) error {
	key := r.tokenKey(token)

	data, err := r.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}

	var stored storedAccessToken
	if err := json.Unmarshal(data, &stored); err == nil && stored.UserID != "" {
		if err := r.client.SRem(ctx, r.userKey(stored.UserID), token).Err(); err != nil {
			r.logger.WarnContext(ctx, "トークンインデックスからの削除に失敗しました",
				slog.String("user_id", stored.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全トークンを削除する。
func (r *RedisAccessTokenRepo) DeleteByUserID(ctx context.Context, userID string) error {
	userKey := r.userKey(userID)

	tokens, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list user access tokens: %w", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, r.tokenKey(t))
	}
	keys = append(keys, userKey)

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete user access tokens: %w", err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する（ヘルスチェック用）。
func (r *RedisAccessTokenRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// compile-time interface check
var _ AccessTokenRepository = (*RedisAccessTokenRepo)(nil)
