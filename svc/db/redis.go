package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"fogbin/cfg"
	"fogbin/metrics"
	"fogbin/pkg/domain"
	"fogbin/svc/util"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	metaKeyPrefix = "meta:"
	maxMetaTTL    = time.Hour
)

// Redis is a shared metadata cache and event channel. It is never the
// source of truth; failures degrade to the store.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisFromClient(client *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}

func NewRedis(url string, cfg *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if cfg.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if cfg.RedisUsername != "" {
		opt.Username = cfg.RedisUsername
	}
	if cfg.RedisPassword.Value() != "" {
		opt.Password = cfg.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return newRedisFromClient(client, cfg.RedisTimeout), nil
}
func buildRedisTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	env := os.Getenv("ENVIRONMENT")
	if env != "production" {
		devCertPath := os.Getenv("REDIS_TLS_DEV_CA")
		if devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read dev CA cert: %w", err)
			}
			if tlsConfig.RootCAs == nil {
				tlsConfig.RootCAs = x509.NewCertPool()
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, fmt.Errorf("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}
func (r *Redis) Name() string { return "redis" }

func (r *Redis) Get(ctx context.Context, id string) (*domain.Meta, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, metaKeyPrefix+id).Bytes()
	if err != nil {
		if err != redis.Nil {
			util.Debug().Err(err).Msg("redis meta get failed")
		}
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}
	var m domain.Meta
	if err := json.Unmarshal(data, &m); err != nil {
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("redis").Inc()
	return &m, true
}

// Set caches m until it expires, capped at maxMetaTTL.
func (r *Redis) Set(ctx context.Context, m *domain.Meta) {
	if m == nil {
		return
	}
	ttl := time.Until(m.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if ttl > maxMetaTTL {
		ttl = maxMetaTTL
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, metaKeyPrefix+m.ID, data, ttl).Err(); err != nil {
		util.Debug().Err(err).Msg("redis meta set failed")
	}
}

func (r *Redis) Delete(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, metaKeyPrefix+id).Err(); err != nil {
		util.Warn().Err(err).Str("id", util.RedactID(id)).Msg("redis meta delete failed")
	}
}

// Publish sends payload on a pub/sub channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Publish(ctx, channel, payload).Err(), "redis publish")
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
