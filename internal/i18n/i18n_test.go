package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		lang string
		id   string
		want string
	}{
		{"en", "Sources", "Sources"},
		{"en", "StatusCancelled", "cancelled"},
		{"ru", "Sources", "Источники"},
		{"ru", "StatusCompleted", "завершено"},
	}
	for _, tt := range tests {
		ctx := initLang(t, tt.lang)
		if got := T(ctx, tt.id); got != tt.want {
			t.Errorf("T(%s, %s) = %q, want %q", tt.lang, tt.id, got, tt.want)
		}
	}
}

func TestPluralTranslation(t *testing.T) {
	tests := []struct {
		lang  string
		count int
		want  string
	}{
		{"en", 1, "1 question awaiting review"},
		{"en", 5, "5 questions awaiting review"},
		{"ru", 1, "1 вопрос ожидает проверки"},
		{"ru", 3, "3 вопроса ожидают проверки"},
		{"ru", 5, "5 вопросов ожидают проверки"},
	}
	for _, tt := range tests {
		ctx := initLang(t, tt.lang)
		if got := Tp(ctx, "QuestionsPending", tt.count); got != tt.want {
			t.Errorf("Tp(%s, %d) = %q, want %q", tt.lang, tt.count, got, tt.want)
		}
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "PageOf", map[string]any{"Page": 2, "Pages": 7})
	if got != "Page 2 of 7" {
		t.Errorf("Td(PageOf) = %q, want 'Page 2 of 7'", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestSupported(t *testing.T) {
	initLang(t, "en")

	for lang, want := range map[string]bool{"en": true, "ru": true, "ru-RU": true, "de": false, "???": false} {
		if got := Supported(lang); got != want {
			t.Errorf("Supported(%q) = %v, want %v", lang, got, want)
		}
	}
}

func TestMiddlewareNegotiatesLanguage(t *testing.T) {
	initLang(t, "en")

	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "ErrUnauthorized")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.5")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "требуется авторизация" {
		t.Errorf("with ru header got %q", got)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got != "unauthorized" {
		t.Errorf("without header got %q", got)
	}
}
