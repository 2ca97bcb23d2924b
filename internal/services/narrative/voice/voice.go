// Package voice renders user-facing failure messages in the narrator's
// voice, localized through x/text.
package voice

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	platformerrors "github.com/louisbranch/taleloom/internal/platform/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

// Key identifies a message.
type Key string

const (
	InputEmpty           Key = "input.empty"
	RefusalWorldAltering Key = "refusal.world_altering"
	RefusalDoubtful      Key = "refusal.doubtful"
	DegradedAgent        Key = "degraded.agent"
	ValidationFailed     Key = "validation.failed"
	CausalConflict       Key = "conflict.causal"
	ConstraintViolated   Key = "constraint.violated"
	SessionBusy          Key = "session.busy"
)

// BaseLocale is the fallback locale.
const BaseLocale = "en-US"

//go:embed locales/*.yaml
var localeFS embed.FS

type localeFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// Voice holds the compiled catalog.
type Voice struct {
	catalog *catalog.Builder
	tags    []language.Tag
	matcher language.Matcher
}

// New loads the embedded locales.
func New() (*Voice, error) {
	return Load(localeFS, "locales")
}

// Load reads every *.yaml locale file under dir. The base locale must exist
// and every other locale must define the same keys.
func Load(fsys fs.FS, dir string) (*Voice, error) {
	paths, err := fs.Glob(fsys, dir+"/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob locales: %w", err)
	}
	sort.Strings(paths)

	builder := catalog.NewBuilder(catalog.Fallback(language.MustParse(BaseLocale)))
	files := make(map[string]localeFile, len(paths))
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", path, err)
		}
		var file localeFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", path, err)
		}
		files[strings.TrimSpace(file.Locale)] = file
	}
	base, ok := files[BaseLocale]
	if !ok {
		return nil, fmt.Errorf("base locale %s missing", BaseLocale)
	}

	v := &Voice{catalog: builder}
	// Base first so the matcher prefers it on ties.
	locales := []string{BaseLocale}
	for locale := range files {
		if locale != BaseLocale {
			locales = append(locales, locale)
		}
	}
	sort.Strings(locales[1:])
	for _, locale := range locales {
		file := files[locale]
		tag, err := language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("parse locale tag %q: %w", locale, err)
		}
		for key := range base.Messages {
			if _, ok := file.Messages[key]; !ok {
				return nil, fmt.Errorf("locale %s missing message %q", locale, key)
			}
		}
		for key, msg := range file.Messages {
			if err := builder.SetString(tag, key, msg); err != nil {
				return nil, fmt.Errorf("register %s/%s: %w", locale, key, err)
			}
		}
		v.tags = append(v.tags, tag)
	}
	v.matcher = language.NewMatcher(v.tags)
	return v, nil
}

// Say renders key for the best match of locale.
func (v *Voice) Say(locale string, key Key, args ...any) string {
	_, idx, _ := v.matcher.Match(language.Make(locale))
	printer := message.NewPrinter(v.tags[idx], message.Catalog(v.catalog))
	return printer.Sprintf(string(key), args...)
}

// ForError picks the message for a pipeline failure.
func ForError(err error) Key {
	switch platformerrors.CodeOf(err) {
	case platformerrors.CodeTurnInputEmpty:
		return InputEmpty
	case platformerrors.CodeIntentRejected:
		return RefusalDoubtful
	case platformerrors.CodeValidationFailed:
		return ValidationFailed
	case platformerrors.CodeCausalConflict:
		return CausalConflict
	case platformerrors.CodeConstraintViolate:
		return ConstraintViolated
	case platformerrors.CodeTurnInProgress:
		return SessionBusy
	default:
		return DegradedAgent
	}
}
