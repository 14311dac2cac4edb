package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sheetagent/internal/bus"
	"sheetagent/internal/config"
	"sheetagent/internal/domain"
)

// AuditLogger is the interface for writing audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Engine enforces the file policy: which uploads are accepted and where
// tools may write. Every decision can be written to the audit log.
type Engine struct {
	cfg         config.SecurityConfig
	auditLogger AuditLogger
	events      *bus.EventBus
	logger      *slog.Logger

	extensions map[string]bool
	blockedRe  []*regexp.Regexp
}

func NewEngine(cfg config.SecurityConfig, auditLogger AuditLogger, events *bus.EventBus, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		auditLogger: auditLogger,
		events:      events,
		logger:      logger,
		extensions:  make(map[string]bool, len(cfg.AllowedExtensions)),
	}
	for _, ext := range cfg.AllowedExtensions {
		e.extensions[strings.ToLower(ext)] = true
	}

	var err error
	e.blockedRe, err = compilePatterns(cfg.BlockedNames)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked name pattern: %w", err)
	}
	return e, nil
}

// CheckUpload vets a client-supplied filename. It returns the cleaned base
// name to store the upload under.
func (e *Engine) CheckUpload(ctx context.Context, sessionID, filename string) (string, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		return "", domain.NewError(domain.KindUnsupportedFormat, "upload has no filename")
	}
	if filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		e.reject(ctx, sessionID, "upload_blocked", name, "path in filename")
		return "", domain.NewError(domain.KindUnsupportedFormat, "invalid filename %q", filename)
	}
	for _, re := range e.blockedRe {
		if re.MatchString(name) {
			e.reject(ctx, sessionID, "upload_blocked", name, "blocked name: "+re.String())
			return "", domain.NewError(domain.KindUnsupportedFormat, "invalid filename %q", filename)
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !e.extensions[ext] {
		e.reject(ctx, sessionID, "upload_blocked", name, "extension "+ext)
		return "", domain.NewError(domain.KindUnsupportedFormat,
			"unsupported file type %q (accepted: %s)", ext, strings.Join(e.cfg.AllowedExtensions, ", "))
	}
	return name, nil
}

// CheckOutput approves candidate as a write target. It must lie inside
// outputDir, must not be the original upload (by path or by file identity)
// and must not exist yet.
func (e *Engine) CheckOutput(ctx context.Context, sessionID, originalPath, outputDir, candidate string) error {
	if err := checkOutput(originalPath, outputDir, candidate); err != nil {
		e.reject(ctx, sessionID, "output_blocked", candidate, err.Error())
		return domain.WrapError(domain.KindToolExecution, err, "output rejected")
	}
	return nil
}

func checkOutput(originalPath, outputDir, candidate string) error {
	for _, seg := range strings.Split(filepath.ToSlash(candidate), "/") {
		if seg == ".." {
			return fmt.Errorf("output %s contains a parent reference", filepath.Base(candidate))
		}
	}
	dir, err := filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("resolve output directory: %w", err)
	}
	path, err := filepath.Abs(candidate)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}
	if filepath.Dir(path) != dir {
		return fmt.Errorf("output %s is outside the session output directory", filepath.Base(candidate))
	}

	orig, err := filepath.Abs(originalPath)
	if err != nil {
		return fmt.Errorf("resolve original path: %w", err)
	}
	if orig == path {
		return fmt.Errorf("output %s is the original upload", filepath.Base(candidate))
	}

	info, err := os.Stat(path)
	if err == nil {
		if origInfo, oerr := os.Stat(orig); oerr == nil && os.SameFile(info, origInfo) {
			return fmt.Errorf("output %s is the original upload", filepath.Base(candidate))
		}
		return fmt.Errorf("output %s already exists", filepath.Base(candidate))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("check output: %w", err)
	}
	return nil
}

func (e *Engine) reject(ctx context.Context, sessionID, action, target, reason string) {
	e.logger.Warn("file policy violation", "session", sessionID, "action", action, "target", filepath.Base(target), "reason", reason)
	if e.events != nil {
		e.events.Emit(bus.Event{
			Type:      bus.EventOutputBlocked,
			Source:    "security",
			SessionID: sessionID,
			Payload:   map[string]any{"action": action, "target": filepath.Base(target), "reason": reason},
		})
	}
	if err := e.LogAction(ctx, domain.AuditEntry{
		SessionID: sessionID,
		Action:    action,
		Command:   filepath.Base(target),
		Result:    "blocked",
		Details:   reason,
	}); err != nil {
		e.logger.Warn("audit log failed", "action", action, "error", err)
	}
}

func (e *Engine) LogAction(ctx context.Context, entry domain.AuditEntry) error {
	if !e.cfg.AuditLog || e.auditLogger == nil {
		return nil
	}
	return e.auditLogger.LogAudit(ctx, entry)
}

// Simple strings are converted to substring-match patterns.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// isRegex treats a pattern as a regular expression when it uses anchors,
// groups, classes or quantifiers. Plain names with dots stay literal.
func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
