// Package resolve locates an account's storage directory under a source root.
//
// Installations of the messaging client name the account directory
// inconsistently: some append a random "_xxxx" suffix, some change case.
// Resolver tries progressively looser rules and returns the first match.
package resolve

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultTag is the literal prefix of generated account identifiers.
const DefaultTag = "wxid_"

var suffixPattern = regexp.MustCompile(`^(.+)_[A-Za-z0-9]{4}$`)

// Resolver maps account identifiers to on-disk directory names.
type Resolver struct {
	// Tag is the fixed identifier prefix used by Canonical. Default: "wxid_".
	Tag    string
	Logger zerolog.Logger
}

// New returns a Resolver using DefaultTag.
func New(logger zerolog.Logger) *Resolver {
	return &Resolver{Tag: DefaultTag, Logger: logger}
}

// Canonical strips the random installation suffix from an identifier.
//
// If id starts with the tag, only the tag and the alphanumeric run that
// follows it are kept ("wxid_abc123_9f2k" -> "wxid_abc123"). Otherwise a
// trailing "_" plus four alphanumerics is removed ("alice_9f2k" -> "alice").
func (r *Resolver) Canonical(id string) string {
	tag := r.tag()
	if strings.HasPrefix(id, tag) {
		rest := id[len(tag):]
		end := 0
		for end < len(rest) && isAlnum(rest[end]) {
			end++
		}
		return tag + rest[:end]
	}
	if m := suffixPattern.FindStringSubmatch(id); m != nil {
		return m[1]
	}
	return id
}

// AccountDir returns the name of the subdirectory of root that belongs to
// account, or false when root cannot be listed or nothing matches.
//
// Rules, first match wins:
//  1. exact name
//  2. exact canonical name
//  3. case-insensitive exact or canonical name
//  4. case-insensitive prefix in either direction, separated by "_"
func (r *Resolver) AccountDir(root, account string) (string, bool) {
	if root == "" || account == "" {
		return "", false
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.Logger.Warn().Err(err).Str("root", root).Msg("Cannot list source root")
		}
		return "", false
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}

	canon := r.Canonical(account)

	for _, d := range dirs {
		if d == account {
			return d, true
		}
	}
	for _, d := range dirs {
		if d == canon {
			return d, true
		}
	}

	lowerID := strings.ToLower(account)
	lowerCanon := strings.ToLower(canon)
	for _, d := range dirs {
		ld := strings.ToLower(d)
		if ld == lowerID || ld == lowerCanon || strings.ToLower(r.Canonical(d)) == lowerCanon {
			return d, true
		}
	}

	for _, d := range dirs {
		ld := strings.ToLower(d)
		if strings.HasPrefix(ld, lowerID+"_") || strings.HasPrefix(lowerID, ld+"_") {
			return d, true
		}
	}

	r.Logger.Debug().Str("root", root).Str("account", account).Msg("No account directory matched")
	return "", false
}

func (r *Resolver) tag() string {
	if r.Tag == "" {
		return DefaultTag
	}
	return r.Tag
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
