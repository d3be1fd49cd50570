// Package mode tracks the system-wide autonomy posture and the bearer
// tokens allowed to change it.
package mode

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Mode is one of the three operating postures.
type Mode string

const (
	Transparent Mode = "transparent"
	Hybrid      Mode = "hybrid"
	Dominant    Mode = "dominant"
)

// Policy is the fixed behavior bound to a Mode.
type Policy struct {
	Name             Mode   `json:"name"`
	Description      string `json:"description"`
	Intercept        bool   `json:"intercept"`
	AllowDelegation  bool   `json:"allow_delegation"`
	ApprovalRequired bool   `json:"approval_required"`
}

var policies = map[Mode]Policy{
	Transparent: {
		Name:            Transparent,
		Description:     "host service manager handles operations; systerd observes",
		AllowDelegation: true,
	},
	Hybrid: {
		Name:             Hybrid,
		Description:      "systerd intercepts requests and may defer to the host service manager",
		Intercept:        true,
		AllowDelegation:  true,
		ApprovalRequired: true,
	},
	Dominant: {
		Name:             Dominant,
		Description:      "systerd executes jobs directly; delegation is disabled",
		Intercept:        true,
		ApprovalRequired: true,
	},
}

// PolicyFor returns the policy bound to m.
func PolicyFor(m Mode) (Policy, bool) {
	p, ok := policies[m]
	return p, ok
}

// ParseMode validates a mode name (case-insensitive).
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := policies[m]; !ok {
		return "", fmt.Errorf("%w: %q (valid: transparent, hybrid, dominant)", ErrInvalidMode, s)
	}
	return m, nil
}

var (
	ErrInvalidMode   = errors.New("invalid mode")
	ErrTokenRequired = errors.New("mode change requires token")
	ErrInvalidToken  = errors.New("invalid mode token")
)

// EmptyACLPolicy decides what Authorize does when no tokens are configured.
type EmptyACLPolicy string

const (
	// EmptyACLPermissive allows any caller when the token set is empty.
	EmptyACLPermissive EmptyACLPolicy = "permissive"
	// EmptyACLStrict rejects every caller when the token set is empty.
	EmptyACLStrict EmptyACLPolicy = "strict"
)

// Options configures a Controller.
type Options struct {
	StatePath string
	// ACLPath defaults to mode.acl next to StatePath.
	ACLPath  string
	EmptyACL EmptyACLPolicy
	// SeedToken is used instead of a random token when the ACL file is created.
	SeedToken string
	Logger    *slog.Logger
	OnChange  func(previous Mode, current Policy)
}

// Controller holds the current mode and the ACL.
type Controller struct {
	mu        sync.RWMutex
	statePath string
	aclPath   string
	mode      Mode
	tokens    map[string]struct{}
	emptyACL  EmptyACLPolicy
	logger    *slog.Logger
	onChange  func(Mode, Policy)

	writeFile func(string, []byte, os.FileMode) error
}

// Open loads (or creates) the mode file and the ACL file.
func Open(opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	aclPath := opts.ACLPath
	if aclPath == "" {
		aclPath = filepath.Join(filepath.Dir(opts.StatePath), "mode.acl")
	}
	emptyACL := opts.EmptyACL
	if emptyACL == "" {
		emptyACL = EmptyACLPermissive
	}
	c := &Controller{
		statePath: opts.StatePath,
		aclPath:   aclPath,
		mode:      Transparent,
		tokens:    make(map[string]struct{}),
		emptyACL:  emptyACL,
		logger:    logger,
		onChange:  opts.OnChange,
		writeFile: os.WriteFile,
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	if err := c.loadACL(opts.SeedToken); err != nil {
		return nil, err
	}
	return c, nil
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Policy returns the policy bound to the current mode.
func (c *Controller) Policy() Policy {
	return policies[c.Mode()]
}

// SetMode switches to m and persists it. Setting the current mode is a
// no-op: nothing is written and OnChange is not called.
func (c *Controller) SetMode(m Mode) (changed bool, err error) {
	if _, ok := policies[m]; !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidMode, m)
	}
	c.mu.Lock()
	prev := c.mode
	if prev == m {
		c.mu.Unlock()
		return false, nil
	}
	c.mode = m
	werr := c.persistLocked()
	c.mu.Unlock()

	if werr != nil {
		c.logger.Error("mode: persist failed, keeping in-memory mode", "mode", m, "error", werr)
	}
	c.logger.Info("mode: changed", "previous", prev, "current", m)
	if c.onChange != nil {
		c.onChange(prev, policies[m])
	}
	return true, werr
}

// Authorize checks token against the ACL.
func (c *Controller) Authorize(token string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.tokens) == 0 {
		if c.emptyACL == EmptyACLStrict {
			return ErrInvalidToken
		}
		return nil
	}
	if token == "" {
		return ErrTokenRequired
	}
	for t := range c.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}

// Summary is a one-line human description of the active policy.
func (c *Controller) Summary() string {
	p := c.Policy()
	return fmt.Sprintf("mode=%s intercept=%t allow_delegation=%t approval_required=%t",
		p.Name, p.Intercept, p.AllowDelegation, p.ApprovalRequired)
}

// ACLPath returns the token file location.
func (c *Controller) ACLPath() string { return c.aclPath }

// Tokens returns the configured tokens, sorted.
func (c *Controller) Tokens() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tokens))
	for t := range c.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

type stateFile struct {
	Mode string `json:"mode"`
}

type aclFile struct {
	Tokens []string `json:"tokens"`
}

func (c *Controller) load() error {
	data, err := os.ReadFile(c.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(c.statePath), 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		return c.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("read mode file: %w", err)
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		c.logger.Warn("mode: malformed mode file, using transparent", "path", c.statePath, "error", err)
		return nil
	}
	m, err := ParseMode(sf.Mode)
	if err != nil {
		c.logger.Warn("mode: unknown mode in file, using transparent", "value", sf.Mode)
		return nil
	}
	c.mode = m
	return nil
}

func (c *Controller) loadACL(seed string) error {
	data, err := os.ReadFile(c.aclPath)
	if err == nil {
		var af aclFile
		if err := json.Unmarshal(data, &af); err != nil {
			return fmt.Errorf("parse acl: %w", err)
		}
		for _, t := range af.Tokens {
			if t = strings.TrimSpace(t); t != "" {
				c.tokens[t] = struct{}{}
			}
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read acl: %w", err)
	}

	token := strings.TrimSpace(seed)
	if token == "" {
		token, err = newToken()
		if err != nil {
			return err
		}
	}
	out, err := json.MarshalIndent(aclFile{Tokens: []string{token}}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.aclPath), 0o755); err != nil {
		return fmt.Errorf("create acl dir: %w", err)
	}
	if err := c.writeFile(c.aclPath, out, 0o600); err != nil {
		return fmt.Errorf("write acl: %w", err)
	}
	c.tokens[token] = struct{}{}
	c.logger.Info("mode: generated mode token", "path", c.aclPath)
	return nil
}

func (c *Controller) persistLocked() error {
	data, err := json.Marshal(stateFile{Mode: string(c.mode)})
	if err != nil {
		return err
	}
	if err := c.writeFile(c.statePath, data, 0o644); err != nil {
		return fmt.Errorf("write mode file: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
