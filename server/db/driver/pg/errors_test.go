// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestConstraintClassifiers(t *testing.T) {
	uniq := &pq.Error{Code: pqErrUniqueViolation, Message: "duplicate key value"}
	fk := &pq.Error{Code: pqErrForeignKeyViolation, Message: "violates foreign key constraint"}

	if !isUniqueViolation(uniq) {
		t.Error("unique violation not recognized")
	}
	if isUniqueViolation(fk) {
		t.Error("foreign key violation misclassified as unique")
	}
	if !isForeignKeyViolation(fk) {
		t.Error("foreign key violation not recognized")
	}
	if isForeignKeyViolation(uniq) {
		t.Error("unique violation misclassified as foreign key")
	}

	// Wrapped errors must still classify.
	wrapped := fmt.Errorf("insert proposal: %w", uniq)
	if !isUniqueViolation(wrapped) {
		t.Error("wrapped unique violation not recognized")
	}

	if isUniqueViolation(errors.New("not a pq error")) {
		t.Error("plain error misclassified")
	}
	if isUniqueViolation(nil) {
		t.Error("nil error misclassified")
	}
}

func TestDetailedError(t *testing.T) {
	base := errors.New("proposal not found")
	de := NewDetailedError(base, "id abc123")

	if !errors.Is(de, base) {
		t.Error("DetailedError does not unwrap to the base error")
	}
	want := "proposal not found: id abc123"
	if de.Error() != want {
		t.Errorf("Error() = %q, want %q", de.Error(), want)
	}
}
