package httpserver

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,128}$`)

// deniedPathPrefixes are system roots a request may never point the
// assistant at, regardless of traversal checks.
var deniedPathPrefixes = []string{"/etc", "/proc", "/sys", "/dev", "/boot", "/root/.ssh"}

var permissionModes = map[string]bool{
	"":                  true,
	"default":           true,
	"acceptEdits":       true,
	"plan":              true,
	"bypassPermissions": true,
}

// validateChatRequest applies the struct tags plus the rules the tags
// cannot express. The returned map carries per-field details for the
// error envelope; nil means valid.
func validateChatRequest(req domain.ChatRequest) (map[string]string, error) {
	if err := getValidator().Struct(req); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return verrs, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}

	hasUser := false
	for _, m := range req.Messages {
		if m.Role == domain.RoleUser {
			hasUser = true
			break
		}
	}
	if !hasUser {
		return map[string]string{"messages": "need at least one user message"},
			fmt.Errorf("%w: no user message", domain.ErrInvalidArgument)
	}

	if req.SessionID != "" && !sessionIDPattern.MatchString(req.SessionID) {
		return map[string]string{"session_id": "must match [A-Za-z0-9-]{1,128}"},
			fmt.Errorf("%w: invalid session_id", domain.ErrInvalidArgument)
	}
	if !permissionModes[req.PermissionMode] {
		return map[string]string{"permission_mode": "unknown mode"},
			fmt.Errorf("%w: invalid permission_mode", domain.ErrInvalidArgument)
	}

	pathFields := map[string][]string{
		"context_files":     req.ContextFiles,
		"add_dirs":          req.AddDirs,
		"mcp_config":        req.MCPConfig,
		"working_directory": nonEmpty(req.WorkingDirectory),
	}
	for field, paths := range pathFields {
		for _, p := range paths {
			if reason := checkPath(p); reason != "" {
				return map[string]string{field: reason},
					fmt.Errorf("%w: invalid path in %s", domain.ErrInvalidArgument, field)
			}
		}
	}
	return nil, nil
}

// checkPath rejects traversal segments, control characters, and system
// roots. Returns the rejection reason, or empty when the path is fine.
func checkPath(p string) string {
	if p == "" {
		return "empty path"
	}
	if strings.ContainsAny(p, "\x00\n\r") {
		return "control characters in path"
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return "path traversal"
	}
	for _, prefix := range deniedPathPrefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return "path under restricted root"
		}
	}
	return ""
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
