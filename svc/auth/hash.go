package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"fogbin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxSecretLength = 1024
	saltLength      = 16
	keyLength       = 32
	hashTimeout     = 5 * time.Second
)

var (
	ErrHasherStopped    = errors.New("hasher is shutting down")
	ErrHasherNotStarted = errors.New("hasher not started")
	ErrSecretTooLong    = errors.New("password too long")
	ErrHashQueueFull    = errors.New("hash queue full")
)

// Hasher derives argon2id digests of HMAC-peppered secrets on a bounded
// worker pool. Digests carry their own salt and parameters.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	pepper      []byte
	mu          sync.RWMutex

	jobs     chan hashJob
	quit     chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
	stopOnce sync.Once
}

type hashJob struct {
	secret string
	resp   chan hashResult
}

type hashResult struct {
	digest string
	err    error
}

func NewHasher(iterations, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if iterations == 0 || iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	p := make([]byte, len(pepper))
	copy(p, pepper)
	return &Hasher{
		iterations:  iterations,
		memory:      memory,
		parallelism: parallelism,
		pepper:      p,
		jobs:        make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobs:
			digest, err := h.derive(job.secret)
			job.resp <- hashResult{digest: digest, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash returns an encoded digest of secret. The plaintext never leaves
// this call.
func (h *Hasher) Hash(ctx context.Context, secret string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", ErrHasherNotStarted
	}
	if len(secret) > maxSecretLength {
		return "", ErrSecretTooLong
	}
	ctx, cancel := context.WithTimeout(ctx, hashTimeout)
	defer cancel()

	resp := make(chan hashResult, 1)
	select {
	case h.jobs <- hashJob{secret: secret, resp: resp}:
	case <-ctx.Done():
		return "", ErrHashQueueFull
	case <-h.quit:
		return "", ErrHasherStopped
	}
	select {
	case res := <-resp:
		return res.digest, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash")
	case <-h.quit:
		return "", ErrHasherStopped
	}
}

func (h *Hasher) derive(secret string) (string, error) {
	peppered := h.applyPepper(secret)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer util.Wipe(peppered)
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "salt")
	}
	key := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, keyLength)
	defer util.Wipe(key)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

type params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// decode parses an encoded digest. On malformed input it still returns
// usable dummy params so the caller spends the same work either way.
func (h *Hasher) decode(encoded string) (params, bool) {
	p := params{memory: h.memory, iterations: h.iterations, parallelism: h.parallelism}
	dummy := func() (params, bool) {
		p.memory, p.iterations, p.parallelism = h.memory, h.iterations, h.parallelism
		p.salt = make([]byte, saltLength)
		p.key = make([]byte, keyLength)
		return p, false
	}
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return dummy()
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return dummy()
	}
	if p.memory > 2*1024*1024 || p.iterations > 1000 || p.parallelism == 0 || p.parallelism > 128 {
		return dummy()
	}
	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) == 0 {
		return dummy()
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 || len(p.key) > 256 {
		return dummy()
	}
	return p, true
}

// Matches re-derives secret with the digest's salt and parameters and
// compares in constant time.
func (h *Hasher) Matches(secret, encoded string) bool {
	if len(secret) > maxSecretLength {
		secret = strings.Repeat("x", maxSecretLength)
		encoded = ""
	}
	p, valid := h.decode(encoded)
	defer util.Wipe(p.salt)
	defer util.Wipe(p.key)

	peppered := h.applyPepper(secret)
	if peppered == nil {
		return false
	}
	defer util.Wipe(peppered)
	other := argon2.IDKey(peppered, p.salt, p.iterations, p.memory, p.parallelism, uint32(len(p.key)))
	defer util.Wipe(other)
	match := subtle.ConstantTimeCompare(p.key, other) == 1
	return valid && match
}

// NeedsRehash reports whether encoded was produced with other parameters.
func (h *Hasher) NeedsRehash(encoded string) bool {
	p, valid := h.decode(encoded)
	if !valid {
		return false
	}
	return p.memory != h.memory || p.iterations != h.iterations || p.parallelism != h.parallelism
}

func (h *Hasher) applyPepper(secret string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}
