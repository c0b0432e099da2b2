package shellsplit

import (
	"reflect"
	"testing"
)

func TestSplitEmptyStringYieldsNoWords(t *testing.T) {
	got, err := Split("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestSplitSimpleWhitespaceSeparated(t *testing.T) {
	got, err := Split("server.py --port 3001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"server.py", "--port", "3001"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSplitDoubleQuotedWordWithSpaces(t *testing.T) {
	got, err := Split(`server.py --config "path with spaces/config.json"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"server.py", "--config", "path with spaces/config.json"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSplitSingleQuotesSuppressEscapes(t *testing.T) {
	got, err := Split(`echo 'a\nb'`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"echo", `a\nb`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSplitUnterminatedQuoteIsAnError(t *testing.T) {
	if _, err := Split(`server.py "unterminated`); err == nil {
		t.Error("expected an unterminated double quote to be rejected")
	}
}
