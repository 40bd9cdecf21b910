// Package directory manages the PKB instance layout, directory naming rules,
// per-directory metadata and the registry of known directories.
package directory

import (
	"errors"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/pkb/internal/apperr"
)

// MinDescriptionLen is the shortest accepted directory description.
const MinDescriptionLen = 16

const reservedNameChars = `/\:*?"<>|`

var nameRule = validation.By(func(value any) error {
	name, _ := value.(string)
	if strings.TrimSpace(name) != name {
		return errors.New("must not start or end with whitespace")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("must not start with '.'")
	}
	for _, r := range name {
		if strings.ContainsRune(reservedNameChars, r) || unicode.IsControl(r) {
			return errors.New("must not contain path separators or reserved characters")
		}
	}
	return nil
})

// ValidateName checks a directory name.
func ValidateName(name string) error {
	if err := validation.Validate(name, validation.Required, nameRule); err != nil {
		return apperr.Invalid("name", err.Error())
	}
	return nil
}

// ValidateDescription checks a directory description.
func ValidateDescription(desc string) error {
	err := validation.Validate(strings.TrimSpace(desc),
		validation.Required,
		validation.RuneLength(MinDescriptionLen, 0),
	)
	if err != nil {
		return apperr.Invalid("description", err.Error())
	}
	return nil
}
