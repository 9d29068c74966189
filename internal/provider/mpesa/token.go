package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const tokenCacheKey = "mpesa:oauth:token"

// TokenProvider caches the Daraja OAuth token. Concurrent callers that miss
// the cache share one exchange. With a Redis client the token is also shared
// between instances.
type TokenProvider struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	skew           time.Duration
	httpClient     *http.Client
	redis          *redis.Client
	logger         *zap.Logger
	now            func() time.Time

	mu     sync.RWMutex
	token  string
	expiry time.Time
	group  singleflight.Group
}

type cachedToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

func NewTokenProvider(baseURL, consumerKey, consumerSecret string, skew time.Duration,
	httpClient *http.Client, rdb *redis.Client, logger *zap.Logger) *TokenProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenProvider{
		baseURL:        strings.TrimRight(baseURL, "/"),
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		skew:           skew,
		httpClient:     httpClient,
		redis:          rdb,
		logger:         logger.Named("MpesaToken"),
		now:            time.Now,
	}
}

// GetToken returns a token that stays valid for at least the configured skew.
func (p *TokenProvider) GetToken(ctx context.Context) (string, time.Time, error) {
	if token, expiry, ok := p.cached(); ok {
		return token, expiry, nil
	}

	v, err, _ := p.group.Do("token", func() (interface{}, error) {
		if token, expiry, ok := p.cached(); ok {
			return cachedToken{Token: token, Expiry: expiry}, nil
		}
		if tok, ok := p.fromRedis(ctx); ok {
			p.store(tok)
			return tok, nil
		}
		tok, err := p.exchange(ctx)
		if err != nil {
			return nil, err
		}
		p.store(tok)
		p.toRedis(ctx, tok)
		return tok, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	tok := v.(cachedToken)
	return tok.Token, tok.Expiry, nil
}

// Invalidate drops the cached token, e.g. after a 401 from the API.
func (p *TokenProvider) Invalidate(ctx context.Context) {
	p.mu.Lock()
	p.token = ""
	p.expiry = time.Time{}
	p.mu.Unlock()
	if p.redis != nil {
		p.redis.Del(ctx, tokenCacheKey)
	}
}

func (p *TokenProvider) cached() (string, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token != "" && p.now().Add(p.skew).Before(p.expiry) {
		return p.token, p.expiry, true
	}
	return "", time.Time{}, false
}

func (p *TokenProvider) store(tok cachedToken) {
	p.mu.Lock()
	p.token = tok.Token
	p.expiry = tok.Expiry
	p.mu.Unlock()
}

func (p *TokenProvider) fromRedis(ctx context.Context) (cachedToken, bool) {
	if p.redis == nil {
		return cachedToken{}, false
	}
	raw, err := p.redis.Get(ctx, tokenCacheKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Warn("read shared token failed", zap.Error(err))
		}
		return cachedToken{}, false
	}
	var tok cachedToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil || tok.Token == "" {
		return cachedToken{}, false
	}
	if !p.now().Add(p.skew).Before(tok.Expiry) {
		return cachedToken{}, false
	}
	return tok, true
}

func (p *TokenProvider) toRedis(ctx context.Context, tok cachedToken) {
	if p.redis == nil {
		return
	}
	ttl := tok.Expiry.Sub(p.now()) - p.skew
	if ttl <= 0 {
		return
	}
	raw, _ := json.Marshal(tok)
	if err := p.redis.Set(ctx, tokenCacheKey, raw, ttl).Err(); err != nil {
		p.logger.Warn("write shared token failed", zap.Error(err))
	}
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

func (p *TokenProvider) exchange(ctx context.Context) (cachedToken, error) {
	url := p.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cachedToken{}, &AuthError{Message: "build request", Err: err}
	}
	req.SetBasicAuth(p.consumerKey, p.consumerSecret)

	start := p.now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return cachedToken{}, &AuthError{Message: "token request", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return cachedToken{}, &AuthError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var res tokenResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return cachedToken{}, &AuthError{StatusCode: resp.StatusCode, Message: "decode token response", Err: err}
	}
	if res.AccessToken == "" {
		return cachedToken{}, &AuthError{StatusCode: resp.StatusCode, Message: "empty access token"}
	}

	seconds := parseExpiresIn(res.ExpiresIn)
	p.logger.Info("obtained access token",
		zap.Int("expires_in", seconds),
		zap.Duration("took", p.now().Sub(start)))

	return cachedToken{
		Token:  res.AccessToken,
		Expiry: start.Add(time.Duration(seconds) * time.Second),
	}, nil
}

// parseExpiresIn accepts "3599" or 3599; Daraja has sent both.
func parseExpiresIn(raw json.RawMessage) int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return 3599
}
