package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"hn_syncer/internal/domain"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var itemColumns = []string{
	"id", "external_id", "parent_id", "child_ids", "author", "title", "body_text",
	"url", "item_type", "created_at", "score", "descendant_count", "source_tag",
}

var insertColumns = itemColumns[1:]

var fieldColumns = map[domain.Field]string{
	domain.FieldParentID:    "parent_id",
	domain.FieldChildIDs:    "child_ids",
	domain.FieldAuthor:      "author",
	domain.FieldTitle:       "title",
	domain.FieldText:        "body_text",
	domain.FieldURL:         "url",
	domain.FieldType:        "item_type",
	domain.FieldScore:       "score",
	domain.FieldDescendants: "descendant_count",
	domain.FieldSource:      "source_tag",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

type itemRow struct {
	ID          int64          `db:"id"`
	ExternalID  int64          `db:"external_id"`
	ParentID    sql.NullInt64  `db:"parent_id"`
	ChildIDs    pq.Int64Array  `db:"child_ids"`
	Author      sql.NullString `db:"author"`
	Title       sql.NullString `db:"title"`
	Text        sql.NullString `db:"body_text"`
	URL         sql.NullString `db:"url"`
	Type        string         `db:"item_type"`
	CreatedAt   sql.NullTime   `db:"created_at"`
	Score       sql.NullInt64  `db:"score"`
	Descendants sql.NullInt64  `db:"descendant_count"`
	Source      string         `db:"source_tag"`
}

type upsertRow struct {
	itemRow
	Created bool `db:"created"`
}

func (r *itemRow) toDomain() domain.Item {
	item := domain.Item{
		ID:         r.ID,
		ExternalID: r.ExternalID,
		Type:       r.Type,
		Source:     r.Source,
	}
	if r.ParentID.Valid {
		item.ParentID = &r.ParentID.Int64
	}
	if len(r.ChildIDs) > 0 {
		item.ChildIDs = []int64(r.ChildIDs)
	}
	if r.Author.Valid {
		item.Author = &r.Author.String
	}
	if r.Title.Valid {
		item.Title = &r.Title.String
	}
	if r.Text.Valid {
		item.Text = &r.Text.String
	}
	if r.URL.Valid {
		item.URL = &r.URL.String
	}
	if r.CreatedAt.Valid {
		t := r.CreatedAt.Time.UTC()
		item.CreatedAt = &t
	}
	if r.Score.Valid {
		v := int(r.Score.Int64)
		item.Score = &v
	}
	if r.Descendants.Valid {
		v := int(r.Descendants.Int64)
		item.Descendants = &v
	}
	return item
}

// columnValues maps every mutable column to the item's value.
func columnValues(item *domain.Item) map[string]any {
	childIDs := item.ChildIDs
	if childIDs == nil {
		childIDs = []int64{}
	}
	return map[string]any{
		"parent_id":        item.ParentID,
		"child_ids":        pq.Int64Array(childIDs),
		"author":           item.Author,
		"title":            item.Title,
		"body_text":        item.Text,
		"url":              item.URL,
		"item_type":        item.Type,
		"score":            item.Score,
		"descendant_count": item.Descendants,
		"source_tag":       item.Source,
	}
}

func insertValues(item *domain.Item) []any {
	values := columnValues(item)
	values["external_id"] = item.ExternalID
	values["created_at"] = item.CreatedAt

	args := make([]any, len(insertColumns))
	for i, col := range insertColumns {
		args[i] = values[col]
	}
	return args
}

func columnsFor(fields []domain.Field) ([]string, error) {
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		col, ok := fieldColumns[f]
		if !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrImmutableField, f)
		}
		cols = append(cols, col)
	}
	return cols, nil
}

type ItemStore struct {
	db *sqlx.DB
	tx *TransactionManager
}

func NewItemStore(db *sqlx.DB, tx *TransactionManager) *ItemStore {
	return &ItemStore{db: db, tx: tx}
}

// Upsert inserts item when its external id is unknown. Otherwise only the
// listed fields are overwritten, and only when at least one of them differs,
// so repeating an identical call changes nothing. With no fields an existing
// row is returned untouched.
func (s *ItemStore) Upsert(ctx context.Context, item *domain.Item, fields []domain.Field) (*domain.Item, bool, error) {
	query, args, err := buildUpsert(item, fields)
	if err != nil {
		return nil, false, err
	}

	var row upsertRow
	err = GetExecutor(ctx, s.db).QueryRowxContext(ctx, query, args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := s.GetByExternalID(ctx, item.ExternalID)
		if err != nil {
			return nil, false, writeError("upsert item", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, writeError("upsert item", err)
	}

	stored := row.toDomain()
	return &stored, row.Created, nil
}

func buildUpsert(item *domain.Item, fields []domain.Field) (string, []any, error) {
	cols, err := columnsFor(fields)
	if err != nil {
		return "", nil, err
	}

	returning := strings.Join(itemColumns, ", ") + ", (xmax = 0) AS created"

	var suffix string
	if len(cols) == 0 {
		suffix = "ON CONFLICT (external_id) DO NOTHING RETURNING " + returning
	} else {
		set := make([]string, len(cols))
		current := make([]string, len(cols))
		incoming := make([]string, len(cols))
		for i, col := range cols {
			set[i] = col + " = EXCLUDED." + col
			current[i] = "items." + col
			incoming[i] = "EXCLUDED." + col
		}
		suffix = fmt.Sprintf(
			"ON CONFLICT (external_id) DO UPDATE SET %s, updated_at = NOW() WHERE (%s) IS DISTINCT FROM (%s) RETURNING %s",
			strings.Join(set, ", "),
			strings.Join(current, ", "),
			strings.Join(incoming, ", "),
			returning,
		)
	}

	return psql.Insert("items").
		Columns(insertColumns...).
		Values(insertValues(item)...).
		Suffix(suffix).
		ToSql()
}

// BulkApplyUpdates writes fields of every item, matched by external id, in a
// single transaction. Either all rows are updated or none is.
func (s *ItemStore) BulkApplyUpdates(ctx context.Context, items []domain.Item, fields []domain.Field) error {
	if len(items) == 0 {
		return nil
	}

	cols, err := columnsFor(fields)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	err = s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		exec := GetExecutor(txCtx, s.db)
		for i := range items {
			values := columnValues(&items[i])

			q := psql.Update("items").Set("updated_at", sq.Expr("NOW()"))
			for _, col := range cols {
				q = q.Set(col, values[col])
			}

			query, args, err := q.Where(sq.Eq{"external_id": items[i].ExternalID}).ToSql()
			if err != nil {
				return fmt.Errorf("build update for item %d: %w", items[i].ExternalID, err)
			}

			if _, err := exec.ExecContext(txCtx, query, args...); err != nil {
				return fmt.Errorf("update item %d: %w", items[i].ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return writeError("bulk apply updates", err)
	}

	return nil
}

// GetExistingIDs returns every stored external id regardless of provenance.
func (s *ItemStore) GetExistingIDs(ctx context.Context) (map[int64]struct{}, error) {
	var ids []int64
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &ids, `SELECT external_id FROM items`); err != nil {
		return nil, fmt.Errorf("select external ids: %w", err)
	}

	result := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		result[id] = struct{}{}
	}
	return result, nil
}

func (s *ItemStore) GetByExternalID(ctx context.Context, externalID int64) (*domain.Item, error) {
	query, args, err := psql.Select(itemColumns...).
		From("items").
		Where(sq.Eq{"external_id": externalID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row itemRow
	err = sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("external id %d: %w", externalID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	item := row.toDomain()
	return &item, nil
}

// FindCandidateParents returns top-level items ingested from source that
// list at least one child id, newest first.
func (s *ItemStore) FindCandidateParents(ctx context.Context, source string) ([]domain.Item, error) {
	query, args, err := psql.Select(itemColumns...).
		From("items").
		Where(sq.Eq{"source_tag": source, "parent_id": nil}).
		Where("cardinality(child_ids) > 0").
		OrderBy("created_at DESC NULLS LAST", "id DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []itemRow
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select candidate parents: %w", err)
	}

	items := make([]domain.Item, len(rows))
	for i := range rows {
		items[i] = rows[i].toDomain()
	}
	return items, nil
}

// FindTopLevel streams items without a parent that match filter, newest
// first. Rows are read lazily; stopping the iteration releases them.
func (s *ItemStore) FindTopLevel(ctx context.Context, filter domain.TopLevelFilter) iter.Seq2[domain.Item, error] {
	return func(yield func(domain.Item, error) bool) {
		query, args, err := buildTopLevelQuery(filter).ToSql()
		if err != nil {
			yield(domain.Item{}, fmt.Errorf("build top level query: %w", err))
			return
		}

		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			yield(domain.Item{}, fmt.Errorf("query top level items: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row itemRow
			if err := rows.StructScan(&row); err != nil {
				yield(domain.Item{}, fmt.Errorf("scan top level item: %w", err))
				return
			}
			if !yield(row.toDomain(), nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(domain.Item{}, err)
		}
	}
}

func buildTopLevelQuery(filter domain.TopLevelFilter) sq.SelectBuilder {
	q := psql.Select(itemColumns...).
		From("items").
		Where(sq.Eq{"parent_id": nil})

	if len(filter.Types) > 0 {
		q = q.Where(sq.Eq{"item_type": filter.Types})
	}

	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + likeEscaper.Replace(search) + "%"
		q = q.Where(sq.Or{
			sq.ILike{"title": pattern},
			sq.ILike{"body_text": pattern},
		})
	}

	q = q.OrderBy("created_at DESC NULLS LAST", "id DESC")

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	return q
}
