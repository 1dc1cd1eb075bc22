package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"datasync/internal/config"
)

// SQLConfig configures the relational adapter. Each entity maps to one table.
type SQLConfig struct {
	DSN    string              `mapstructure:"dsn"`
	Tables map[string]SQLTable `mapstructure:"tables"`
}

type SQLTable struct {
	Table         string `mapstructure:"table"`
	IDColumn      string `mapstructure:"id_column"`
	UpdatedColumn string `mapstructure:"updated_column"`
	PageSize      int    `mapstructure:"page_size"`
}

// SQLAdapter pages through tables by primary key.
type SQLAdapter struct {
	db     *gorm.DB
	tables map[string]SQLTable
}

func NewSQLAdapter(cfg SQLConfig) (*SQLAdapter, error) {
	if cfg.DSN == "" {
		return nil, Permanent(errors.New("sql source: dsn is required"))
	}
	db, err := config.NewSQLDatabase(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql source: %w", err)
	}
	return newSQLAdapter(db, cfg.Tables), nil
}

func newSQLAdapter(db *gorm.DB, tables map[string]SQLTable) *SQLAdapter {
	norm := make(map[string]SQLTable, len(tables))
	for name, t := range tables {
		if t.Table == "" {
			t.Table = name
		}
		if t.IDColumn == "" {
			t.IDColumn = "id"
		}
		if t.PageSize <= 0 {
			t.PageSize = 500
		}
		norm[name] = t
	}
	return &SQLAdapter{db: db, tables: norm}
}

func (a *SQLAdapter) TestConnection(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *SQLAdapter) ListEntities(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(a.tables))
	for name := range a.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *SQLAdapter) SupportsIncremental(entity string) bool {
	return a.tables[entity].UpdatedColumn != ""
}

func (a *SQLAdapter) Fetch(ctx context.Context, req Request) (*Page, error) {
	t, ok := a.tables[req.Entity]
	if !ok {
		return nil, Permanent(fmt.Errorf("sql source: unknown entity %q", req.Entity))
	}

	q := a.db.WithContext(ctx).Table(t.Table)
	if req.PageToken != "" {
		q = q.Where(clause.Gt{Column: clause.Column{Name: t.IDColumn}, Value: req.PageToken})
	}
	if req.Since != nil && t.UpdatedColumn != "" {
		q = q.Where(clause.Gte{Column: clause.Column{Name: t.UpdatedColumn}, Value: *req.Since})
	}

	var rows []map[string]interface{}
	err := q.Order(clause.OrderByColumn{Column: clause.Column{Name: t.IDColumn}}).
		Limit(t.PageSize + 1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sql source %s: %w", req.Entity, err)
	}

	return sqlPage(req.Entity, t, rows)
}

// sqlPage converts up to PageSize+1 rows into a page keyed by the table's id column.
func sqlPage(entity string, t SQLTable, rows []map[string]interface{}) (*Page, error) {
	page := &Page{}
	if len(rows) > t.PageSize {
		page.HasMore = true
		rows = rows[:t.PageSize]
	}
	page.Records = make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{}
		for k, v := range row {
			switch x := v.(type) {
			case []byte:
				rec[k] = string(x)
			case time.Time:
				rec[k] = x.UTC()
			default:
				rec[k] = v
			}
		}
		if v, ok := row[t.IDColumn]; ok && v != nil {
			rec[IDField] = stringify(rec[t.IDColumn])
		}
		page.Records = append(page.Records, rec)
	}
	if page.HasMore {
		next, _ := page.Records[len(page.Records)-1][IDField].(string)
		if next == "" {
			return nil, Permanent(fmt.Errorf("sql source %s: row without %s, cannot page past it", entity, t.IDColumn))
		}
		page.NextToken = next
	}
	return page, nil
}

func (a *SQLAdapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
