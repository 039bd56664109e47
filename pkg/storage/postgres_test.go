package storage

import "testing"

// PostgresStore's query methods all need a live connection, so this file
// covers only the pure helpers. Integration coverage for ProcessWorkBatch
// and friends needs a real Postgres instance and lives outside this
// package's unit tests.

func TestSchemaQualifiedTableName(t *testing.T) {
	s := &PostgresStore{schema: "public"}
	if got := s.t("outbox"); got != "public.outbox" {
		t.Fatalf("t(%q) = %q, want %q", "outbox", got, "public.outbox")
	}

	s = &PostgresStore{schema: "tenant_a"}
	if got := s.t("inbox"); got != "tenant_a.inbox" {
		t.Fatalf("t(%q) = %q, want %q", "inbox", got, "tenant_a.inbox")
	}
}

func TestNullableConvertsEmptyStringToNil(t *testing.T) {
	if got := nullable(""); got != nil {
		t.Fatalf("nullable(\"\") = %v, want nil", got)
	}
	if got := nullable("abc"); got != "abc" {
		t.Fatalf("nullable(%q) = %v, want %q", "abc", got, "abc")
	}
}
