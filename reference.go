package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Reference validation errors.
var (
	ErrInvalidTagName        = errors.New("invalid tag name")
	ErrInvalidRepositoryName = errors.New("invalid repository name")
)

// MaxRepositoryNameLength is the maximum total length of a repository name,
// including the namespace and separators.
const MaxRepositoryNameLength = 255

var (
	tagNameRegex       = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)
	repoComponentRegex = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
)

// ValidateTagName checks a tag name against the distribution grammar.
func ValidateTagName(name string) error {
	if !tagNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTagName, name)
	}
	return nil
}

// ValidateRepositoryName checks a full repository name (namespace/name...).
// Unless extended names are enabled, only a single level below the namespace
// is permitted.
func ValidateRepositoryName(name string, extended bool) error {
	if len(name) > MaxRepositoryNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidRepositoryName, MaxRepositoryNameLength)
	}

	components := strings.Split(name, "/")
	if len(components) < 2 {
		return fmt.Errorf("%w: missing namespace in %q", ErrInvalidRepositoryName, name)
	}
	if !extended && len(components) > 2 {
		return fmt.Errorf("%w: nested paths are not enabled", ErrInvalidRepositoryName)
	}
	for _, c := range components {
		if !repoComponentRegex.MatchString(c) {
			return fmt.Errorf("%w: component %q", ErrInvalidRepositoryName, c)
		}
	}
	return nil
}

// SplitRepositoryName splits a repository name into its namespace and the
// remainder. The name must already be validated.
func SplitRepositoryName(name string) (namespace, rest string) {
	idx := strings.Index(name, "/")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}
