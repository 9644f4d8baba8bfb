package docstore

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/trialbridge/portal/pkg/common/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// dryRunStore builds statements against the postgres dialect without a server.
func dryRunStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=portal dbname=portal port=5432 sslmode=disable",
	}), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("open dry-run db: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresStoreListCompilesFilters(t *testing.T) {
	store := dryRunStore(t)

	cases := []struct {
		name     string
		filters  map[string]interface{}
		jsonExpr int
		vars     []interface{}
	}{
		{
			name:     "collection only",
			filters:  nil,
			jsonExpr: 0,
			vars:     []interface{}{"match_info"},
		},
		{
			name:     "one string filter",
			filters:  map[string]interface{}{"patient_id": "P-001"},
			jsonExpr: 1,
			vars:     []interface{}{"match_info", "patient_id", "P-001"},
		},
		{
			name:     "filters ordered by field",
			filters:  map[string]interface{}{"trial_id": "NCT001", "patient_id": "P-001"},
			jsonExpr: 2,
			vars:     []interface{}{"match_info", "patient_id", "P-001", "trial_id", "NCT001"},
		},
		{
			name:     "non-string value compared as text",
			filters:  map[string]interface{}{"ecog_score": 1},
			jsonExpr: 1,
			vars:     []interface{}{"match_info", "ecog_score", "1"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rows []documentModel
			stmt := store.scoped(context.Background(), "match_info", tc.filters).Find(&rows).Statement
			sql := stmt.SQL.String()

			if !strings.Contains(sql, `FROM "documents"`) || !strings.Contains(sql, "collection = $1") {
				t.Fatalf("unexpected sql %q", sql)
			}
			if got := strings.Count(sql, `json_extract_path_text("data"::json,`); got != tc.jsonExpr {
				t.Fatalf("expected %d json conditions, got %d in %q", tc.jsonExpr, got, sql)
			}
			if !reflect.DeepEqual(stmt.Vars, tc.vars) {
				t.Fatalf("vars mismatch:\n got %#v\nwant %#v", stmt.Vars, tc.vars)
			}
		})
	}
}

func TestPostgresStoreListDryRun(t *testing.T) {
	store := dryRunStore(t)

	docs, total, err := store.List(context.Background(), "trial_info", map[string]interface{}{"trial_id": "NCT001"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 || len(docs) != 0 {
		t.Fatalf("dry run should return nothing, got %d/%v", total, docs)
	}
}

func TestPostgresStoreCreateShapesDocument(t *testing.T) {
	store := dryRunStore(t)
	input := models.Document{"patient_id": "P-001", "condition": "NSCLC", models.FieldID: "client-id"}

	created, err := store.Create(context.Background(), "patient_info_collection", input)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID() == "" || created.ID() == "client-id" {
		t.Fatalf("expected a server-assigned id, got %q", created.ID())
	}
	if created.String("patient_id") != "P-001" || created.String("condition") != "NSCLC" {
		t.Fatalf("fields not kept: %v", created)
	}
	if created.String(models.FieldCreatedAt) == "" || created.String(models.FieldUpdatedAt) == "" {
		t.Fatalf("timestamps missing: %v", created)
	}
}
