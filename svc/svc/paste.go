package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"fogbin/metrics"
	"fogbin/pkg/domain"
	"fogbin/svc/auth"
	"fogbin/svc/redact"
	"fogbin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMaxPasteSize = 512 * 1024
	defaultLanguage     = "plaintext"
	maxLanguageLen      = 32
)

var ErrShuttingDown = errors.New("service shutting down")

// Sealer turns paste text into a stored content half and back. The id is
// bound into the ciphertext.
type Sealer interface {
	Seal(ctx context.Context, id, text string) (*domain.Content, error)
	Open(ctx context.Context, id string, c *domain.Content) (string, error)
}

type PasteOptions struct {
	MaxPasteSize int
	TTL          domain.TTLMenu
}

// Paste is the access service in front of the lifecycle manager.
type Paste struct {
	life    *Lifecycle
	gate    *auth.Gate
	sealer  Sealer
	ttl     domain.TTLMenu
	maxSize int

	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewPaste(life *Lifecycle, gate *auth.Gate, sealer Sealer, opts PasteOptions) *Paste {
	if life == nil || gate == nil || sealer == nil {
		panic("paste service: nil dependency (lifecycle, gate or sealer)")
	}
	if opts.MaxPasteSize <= 0 {
		opts.MaxPasteSize = DefaultMaxPasteSize
	}
	return &Paste{
		life:    life,
		gate:    gate,
		sealer:  sealer,
		ttl:     opts.TTL,
		maxSize: opts.MaxPasteSize,
	}
}

func (p *Paste) TTLPresets() []int { return p.ttl.Presets() }

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Shutdown refuses new operations and waits for in-flight ones.
func (p *Paste) Shutdown(ctx context.Context) {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		util.Warn().Msg("paste operations did not finish before shutdown")
	}
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Meta, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	if len(params.Content) > p.maxSize {
		return nil, domain.ErrPasteTooLarge
	}
	content := normalizeContent(params.Content)
	if strings.TrimSpace(content) == "" {
		return nil, domain.ErrContentRequired
	}
	if len(content) > p.maxSize {
		return nil, domain.ErrPasteTooLarge
	}
	content = redact.Apply(redact.StagePersist, content, params.Redacted)
	ttl := p.ttl.Resolve(params.TTLMinutes)
	language := normalizeLanguage(params.Language)

	digest, err := p.gate.Digest(ctx, params.Password)
	if err != nil {
		if errors.Is(err, auth.ErrSecretTooLong) {
			return nil, domain.ErrInvalidRequest
		}
		return nil, errors.Wrap(domain.ErrInternalServer, "hash password: "+err.Error())
	}

	return p.life.Create(ctx, func(id string, now time.Time) (*domain.Meta, *domain.Content, error) {
		c, err := p.sealer.Seal(ctx, id, content)
		if err != nil {
			return nil, nil, errors.Wrap(domain.ErrInternalServer, "seal: "+err.Error())
		}
		metrics.EncryptionOps.WithLabelValues("seal").Inc()
		return &domain.Meta{
			ID:           id,
			Language:     language,
			CreatedAt:    now,
			ExpiresAt:    now.Add(ttl),
			Redacted:     params.Redacted,
			PasswordHash: digest,
		}, c, nil
	})
}

// ReadRaw returns the stored text of a live record, redacted when flagged.
func (p *Paste) ReadRaw(ctx context.Context, id, password string) (string, error) {
	if err := p.begin(); err != nil {
		return "", err
	}
	defer p.opWg.Done()

	m, err := p.life.Lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if err := p.checkGate(ctx, m, password); err != nil {
		return "", err
	}
	c, err := p.life.Content(ctx, id)
	if err != nil {
		return "", err
	}
	if m.Expired(p.life.Now()) {
		return "", p.life.expireLazy(ctx, m)
	}
	text, err := p.sealer.Open(ctx, id, c)
	if err != nil {
		return "", errors.Wrap(domain.ErrInternalServer, "open: "+err.Error())
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	metrics.PasteRetrieved.Inc()
	return redact.Apply(redact.StagePresent, text, m.Redacted), nil
}

func (p *Paste) ReadMetadata(ctx context.Context, id string) (domain.MetaView, error) {
	if err := p.begin(); err != nil {
		return domain.MetaView{}, err
	}
	defer p.opWg.Done()

	m, err := p.life.Lookup(ctx, id)
	if err != nil {
		return domain.MetaView{}, err
	}
	return m.View(), nil
}

func (p *Paste) ValidatePassword(ctx context.Context, id, secret string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()

	m, err := p.life.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if !m.Gated() {
		return domain.ErrNoPasswordSet
	}
	return p.checkGate(ctx, m, secret)
}

// Delete removes a password-protected record when the password matches.
// Records without a password cannot be deleted early.
func (p *Paste) Delete(ctx context.Context, id, password string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()

	m, err := p.life.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if !m.Gated() {
		return domain.ErrNoPasswordSet
	}
	if err := p.checkGate(ctx, m, password); err != nil {
		return err
	}
	removed, err := p.life.Remove(ctx, m)
	if err != nil {
		return err
	}
	if removed {
		util.Info().Str("id", util.RedactID(id)).Msg("paste deleted by owner")
	}
	return nil
}

func (p *Paste) checkGate(ctx context.Context, m *domain.Meta, password string) error {
	if p.gate.Verify(ctx, password, m.PasswordHash) == auth.Denied {
		metrics.GateDenied.Inc()
		return domain.ErrUnauthorized
	}
	return nil
}

// normalizeContent converts to NFC, replaces invalid UTF-8 and drops control
// characters other than tab, CR and LF.
func normalizeContent(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = norm.NFC.String(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func normalizeLanguage(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return defaultLanguage
	}
	if len(s) > maxLanguageLen {
		s = s[:maxLanguageLen]
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && !strings.ContainsRune("+#-_.", r) {
			return defaultLanguage
		}
	}
	return s
}
