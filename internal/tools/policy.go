package tools

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

// Autonomy levels.
const (
	LevelReadonly   = "readonly"
	LevelSupervised = "supervised"
	LevelFull       = "full"
)

// writeClassTools touch external state; readonly autonomy blocks them
// outright and the verifier expects a state delta from them.
var writeClassTools = map[string]bool{
	"bash":        true,
	"file_write":  true,
	"file_edit":   true,
	"delegate":    true,
	"browser":     true,
	"memory_save": true,
}

// IsWriteClass reports whether the named tool mutates external state.
func IsWriteClass(name string) bool {
	return writeClassTools[name]
}

// defaultDenyPatterns block the command shapes no autonomy level should
// reach: destructive filesystem operations, privilege escalation, and
// piping downloads into a shell.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(ba|z)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
}

// PolicyError is a security denial. It reaches the engine as an error
// tool result; it never terminates the loop.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "security: " + e.Reason }

// Policy enforces the configured autonomy level, path allowlist, and
// command denylist. A nil *Policy permits everything.
type Policy struct {
	level        string
	allowedPaths []string
	denied       []*regexp.Regexp
}

// NewPolicy compiles a policy from config. Configured blocked-command
// patterns extend the built-in denylist.
func NewPolicy(cfg config.AutonomyConfig) (*Policy, error) {
	p := &Policy{
		level:  cfg.Level,
		denied: defaultDenyPatterns,
	}
	if p.level == "" {
		p.level = LevelSupervised
	}
	for _, path := range cfg.AllowedPaths {
		p.allowedPaths = append(p.allowedPaths, filepath.Clean(config.ExpandHome(path)))
	}
	for _, pattern := range cfg.BlockedCommands {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("security.autonomy.blockedCommands: %q: %w", pattern, err)
		}
		p.denied = append(p.denied, re)
	}
	return p, nil
}

// Level returns the autonomy level.
func (p *Policy) Level() string {
	if p == nil {
		return LevelFull
	}
	return p.level
}

// ReadOnly reports whether write-class tools are blocked.
func (p *Policy) ReadOnly() bool {
	return p != nil && p.level == LevelReadonly
}

// CheckTool rejects write-class tools under readonly autonomy.
func (p *Policy) CheckTool(name string) error {
	if p.ReadOnly() && IsWriteClass(name) {
		return &PolicyError{Reason: fmt.Sprintf("tool %q is blocked at autonomy level readonly", name)}
	}
	return nil
}

// CheckCommand rejects shell commands matching a denied pattern.
func (p *Policy) CheckCommand(command string) error {
	if p == nil {
		return nil
	}
	for _, re := range p.denied {
		if re.MatchString(command) {
			return &PolicyError{Reason: fmt.Sprintf("command matches denied pattern %q", re.String())}
		}
	}
	return nil
}

// CheckPath rejects paths outside the allowlist. An empty allowlist
// admits every path.
func (p *Policy) CheckPath(path string) error {
	if p == nil || len(p.allowedPaths) == 0 {
		return nil
	}
	abs, err := filepath.Abs(config.ExpandHome(path))
	if err != nil {
		return &PolicyError{Reason: fmt.Sprintf("cannot resolve path %q", path)}
	}
	for _, allowed := range p.allowedPaths {
		if abs == allowed || strings.HasPrefix(abs, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return &PolicyError{Reason: fmt.Sprintf("path %q is outside the allowed paths", path)}
}
