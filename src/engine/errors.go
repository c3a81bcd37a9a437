package engine

import (
	"errors"
	"regexp"

	"objectdb/src/models"

	"go.mongodb.org/mongo-driver/mongo"
)

var (
	// ErrClassNotFound is returned when a class has no metadata document.
	ErrClassNotFound = errors.New("class not found")

	// ErrNoTransactionalSession is returned when a nil session is committed or aborted.
	ErrNoTransactionalSession = errors.New("no transactional session")
)

const (
	errCodeUnauthorized         = 13
	errCodeNamespaceNotFound    = 26
	errCodeIndexOptionsConflict = 85

	transientTransactionLabel = "TransientTransactionError"
)

var duplicatedFieldPattern = regexp.MustCompile(`index:\s*(?:[\w.\-]*\$)?([a-zA-Z_\-]+)_1`)

func hasErrorCode(err error, code int) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(code)
}

func isTransientTransactionError(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorLabel(transientTransactionLabel)
}

// duplicateValueError normalizes a unique index violation, naming the
// offending field when the driver message allows it.
func duplicateValueError(err error, message string) *models.Error {
	e := models.WrapError(models.DuplicateValue, message, err)
	if m := duplicatedFieldPattern.FindStringSubmatch(err.Error()); m != nil {
		e.DuplicatedField = m[1]
	}
	return e
}
