package searchrouter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"m365cache/pkg/models"
)

type fakeGraphClient struct {
	calls     []string
	responses map[string]json.RawMessage
	err       error
}

func (f *fakeGraphClient) Request(ctx context.Context, method, path, accountID string, params map[string]string, body interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, method+" "+path)
	if f.err != nil {
		return nil, f.err
	}
	if resp, ok := f.responses[method+" "+path]; ok {
		return resp, nil
	}
	return json.RawMessage(`{"value":[]}`), nil
}

func newRouter(client *fakeGraphClient) *Router {
	return New(client, zerolog.Nop())
}

func TestSearchEmailsPersonalClientSideFilter(t *testing.T) {
	client := &fakeGraphClient{responses: map[string]json.RawMessage{
		"GET /me/messages": json.RawMessage(`{
			"value": [
				{"id":"1","subject":"Quarterly report","bodyPreview":"numbers","from":{"emailAddress":{"name":"Alice","address":"alice@example.com"}}},
				{"id":"2","subject":"Lunch plans","bodyPreview":"tacos","from":{"emailAddress":{"name":"Bob","address":"bob@example.com"}}}
			]
		}`),
	}}
	r := newRouter(client)

	items, err := r.SearchEmails(context.Background(), "acc1", models.AccountPersonal, "report", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 || items[0]["id"] != "1" {
		t.Fatalf("expected 1 match on subject substring, got %+v", items)
	}
	if len(client.calls) != 1 || client.calls[0] != "GET /me/messages" {
		t.Fatalf("expected personal dialect to hit /me/messages, got %v", client.calls)
	}
}

func TestSearchEmailsWorkSchoolUsesUnifiedAPI(t *testing.T) {
	client := &fakeGraphClient{responses: map[string]json.RawMessage{
		"POST /search/query": json.RawMessage(`{
			"value": [
				{"hitsContainers": [
					{"hits": [
						{"resource": {"@odata.type": "#microsoft.graph.message", "subject": "Hello"}}
					]}
				]}
			]
		}`),
	}}
	r := newRouter(client)

	items, err := r.SearchEmails(context.Background(), "acc1", models.AccountWorkSchool, "hello", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 || items[0]["subject"] != "Hello" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if len(client.calls) != 1 || client.calls[0] != "POST /search/query" {
		t.Fatalf("expected unified dialect, got %v", client.calls)
	}
}

func TestSearchContactsAlwaysPrefixFilterRegardlessOfClass(t *testing.T) {
	client := &fakeGraphClient{responses: map[string]json.RawMessage{
		"GET /me/contacts": json.RawMessage(`{"value":[{"id":"c1","displayName":"Jane Doe"}]}`),
	}}
	r := newRouter(client)

	for _, class := range []models.AccountClass{models.AccountPersonal, models.AccountWorkSchool, models.AccountUnknown} {
		items, err := r.SearchContacts(context.Background(), "acc1", class, "Jane", 10)
		if err != nil {
			t.Fatalf("search contacts (%s): %v", class, err)
		}
		if len(items) != 1 {
			t.Fatalf("expected 1 contact for class %s, got %+v", class, items)
		}
	}
	for _, call := range client.calls {
		if call != "GET /me/contacts" {
			t.Fatalf("expected all contact searches to use $filter endpoint, got %v", client.calls)
		}
	}
}

func TestUnifiedSearchWorkSchoolBatchesAndClassifies(t *testing.T) {
	client := &fakeGraphClient{responses: map[string]json.RawMessage{
		"POST /search/query": json.RawMessage(`{
			"value": [
				{"hitsContainers": [
					{"hits": [
						{"resource": {"@odata.type": "#microsoft.graph.message", "subject": "msg"}},
						{"resource": {"@odata.type": "#microsoft.graph.driveItem", "name": "file.docx"}}
					]}
				]}
			]
		}`),
	}}
	r := newRouter(client)

	results, err := r.UnifiedSearch(context.Background(), "acc1", models.AccountWorkSchool, "q", []string{EntityMessage, EntityDriveItem}, 10)
	if err != nil {
		t.Fatalf("unified search: %v", err)
	}
	if len(results[EntityMessage]) != 1 || len(results[EntityDriveItem]) != 1 {
		t.Fatalf("unexpected classification: %+v", results)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected exactly one batched request, got %v", client.calls)
	}
}

func TestUnifiedSearchPersonalSequentialFallback(t *testing.T) {
	client := &fakeGraphClient{responses: map[string]json.RawMessage{
		"GET /me/messages":                   json.RawMessage(`{"value":[{"id":"1","subject":"hit q"}]}`),
		"GET /me/drive/root/search(q='q')":    json.RawMessage(`{"value":[{"id":"f1","name":"q-file"}]}`),
	}}
	r := newRouter(client)

	results, err := r.UnifiedSearch(context.Background(), "acc1", models.AccountPersonal, "q", []string{EntityMessage, EntityDriveItem}, 10)
	if err != nil {
		t.Fatalf("unified search: %v", err)
	}
	if len(results[EntityMessage]) != 1 {
		t.Fatalf("expected 1 message match, got %+v", results[EntityMessage])
	}
	if len(results[EntityDriveItem]) != 1 {
		t.Fatalf("expected 1 file match, got %+v", results[EntityDriveItem])
	}
	if len(client.calls) != 2 {
		t.Fatalf("expected sequential fan-out of 2 calls, got %v", client.calls)
	}
}

func TestValidationRejectsEmptyQuery(t *testing.T) {
	r := newRouter(&fakeGraphClient{})
	if _, err := r.SearchEmails(context.Background(), "acc1", models.AccountPersonal, "", 10); err != ErrInvalidQuery {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestValidationRejectsOversizedQuery(t *testing.T) {
	r := newRouter(&fakeGraphClient{})
	huge := make([]byte, MaxQueryLen+1)
	for i := range huge {
		huge[i] = 'a'
	}
	if _, err := r.SearchEmails(context.Background(), "acc1", models.AccountPersonal, string(huge), 10); err != ErrInvalidQuery {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestValidationRejectsBadLimit(t *testing.T) {
	r := newRouter(&fakeGraphClient{})
	if _, err := r.SearchEmails(context.Background(), "acc1", models.AccountPersonal, "q", MaxLimit+1); err != ErrInvalidLimit {
		t.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
}

func TestValidationRejectsMissingAccountID(t *testing.T) {
	r := newRouter(&fakeGraphClient{})
	if _, err := r.SearchEmails(context.Background(), "", models.AccountPersonal, "q", 10); err != ErrMissingAccountID {
		t.Fatalf("expected ErrMissingAccountID, got %v", err)
	}
}

func TestValidationRejectsEmptyEntityTypes(t *testing.T) {
	r := newRouter(&fakeGraphClient{})
	if _, err := r.UnifiedSearch(context.Background(), "acc1", models.AccountWorkSchool, "q", nil, 10); err != ErrInvalidEntityType {
		t.Fatalf("expected ErrInvalidEntityType, got %v", err)
	}
}

func TestValidationRejectsUnknownEntityType(t *testing.T) {
	r := newRouter(&fakeGraphClient{})
	if _, err := r.UnifiedSearch(context.Background(), "acc1", models.AccountWorkSchool, "q", []string{"task"}, 10); err != ErrInvalidEntityType {
		t.Fatalf("expected ErrInvalidEntityType, got %v", err)
	}
}
