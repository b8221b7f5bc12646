package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const defaultSQLPoolSize = 5

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLConnector queries a relational view holding one row per instance
type SQLConnector struct {
	BaseConnector
	db      *sql.DB
	columns models.SQLColumns
	dollar  bool
}

// NewSQLConnector opens the database handle of a SQL archive. The
// connection itself is established lazily.
func NewSQLConnector(config models.ArchiveConfig) (*SQLConnector, error) {
	var dollar bool
	switch config.SQL.Driver {
	case DriverPgx, DriverPostgres:
		dollar = true
	case DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", config.SQL.Driver)
	}

	columns := config.SQL.Columns.WithDefaults()
	for _, ident := range append(columnList(columns), config.SQL.Source) {
		if !identifierPattern.MatchString(ident) {
			return nil, fmt.Errorf("invalid sql identifier %q", ident)
		}
	}

	db, err := sql.Open(config.SQL.Driver, config.SQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.SQL.Driver, err)
	}
	poolSize := config.SQL.PoolSize
	if poolSize <= 0 {
		poolSize = defaultSQLPoolSize
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &SQLConnector{
		BaseConnector: BaseConnector{config: config},
		db:            db,
		columns:       columns,
		dollar:        dollar,
	}, nil
}

// DB exposes the handle, mainly for seeding in tests
func (c *SQLConnector) DB() *sql.DB {
	return c.db
}

func (c *SQLConnector) ByPatientIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.query(ctx, c.columns.PatientID, q.IDs, models.QueryLevelStudy)
}

func (c *SQLConnector) ByStudyUIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.query(ctx, c.columns.StudyInstanceUID, q.IDs, models.QueryLevelStudy)
}

func (c *SQLConnector) ByAccessionNumbers(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.query(ctx, c.columns.AccessionNumber, q.IDs, models.QueryLevelStudy)
}

func (c *SQLConnector) BySeriesUIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.query(ctx, c.columns.SeriesInstanceUID, q.IDs, models.QueryLevelSeries)
}

func (c *SQLConnector) BySOPInstanceUIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.query(ctx, c.columns.SOPInstanceUID, q.IDs, models.QueryLevelImage)
}

// TestConnection pings the database
func (c *SQLConnector) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	return c.connectionStatus(ctx, []string{"SQL", c.config.SQL.Driver}, func(ctx context.Context) error {
		if err := c.db.PingContext(ctx); err != nil {
			return classify(c.name(), err, KindUnreachable)
		}
		return nil
	})
}

// Close closes the database handle
func (c *SQLConnector) Close() error {
	return c.db.Close()
}

func (c *SQLConnector) query(ctx context.Context, keyColumn string, ids []string, identified models.QueryLevel) ([]*models.Patient, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		if c.dollar {
			placeholders[i] = "$" + strconv.Itoa(i+1)
		}
		args[i] = id
	}
	columns := columnList(c.columns)
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
		strings.Join(columns, ", "), c.config.SQL.Source, keyColumn, strings.Join(placeholders, ", "))

	log.Debug().Str("archive", c.name()).Str("query", stmt).Int("ids", len(ids)).Msg("Querying SQL archive")

	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	defer rows.Close()

	depth := deepest(c.depth(), identified)
	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	var records []record
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, c.fail(ctx, err)
		}
		var r record
		for i, field := range r.fields() {
			*field = stringify(values[i], i)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, c.fail(ctx, err)
	}

	modalities := modalitiesInStudy(records)
	for i, r := range records {
		r.ModalitiesInStudy = modalities[r.StudyInstanceUID]
		records[i] = r.truncate(depth)
	}
	return toPatients(records), nil
}

// modalitiesInStudy collects the distinct series modalities of each study
// in the order they first appear.
func modalitiesInStudy(records []record) map[string]string {
	seen := make(map[string]map[string]bool)
	values := make(map[string][]string)
	for _, r := range records {
		if r.Modality == "" {
			continue
		}
		if seen[r.StudyInstanceUID] == nil {
			seen[r.StudyInstanceUID] = make(map[string]bool)
		}
		if !seen[r.StudyInstanceUID][r.Modality] {
			seen[r.StudyInstanceUID][r.Modality] = true
			values[r.StudyInstanceUID] = append(values[r.StudyInstanceUID], r.Modality)
		}
	}
	out := make(map[string]string, len(values))
	for uid, v := range values {
		out[uid] = joinValues(v)
	}
	return out
}

func (c *SQLConnector) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return classify(c.name(), ctx.Err(), KindTimeout)
	}
	return classify(c.name(), err, KindMalformedResponse)
}

// columnList returns the mapped column names in record field order
func columnList(c models.SQLColumns) []string {
	return []string{
		c.PatientID, c.PatientName, c.IssuerOfPatientID, c.PatientBirthDate, c.PatientSex,
		c.StudyInstanceUID, c.StudyDate, c.StudyTime, c.StudyDescription, c.AccessionNumber,
		c.StudyID, c.ReferringPhysicianName, c.SeriesInstanceUID, c.SeriesDescription, c.SeriesNumber,
		c.Modality, c.SOPInstanceUID, c.SOPClassUID, c.InstanceNumber,
	}
}

// fields returns pointers to the record attributes in columnList order
func (r *record) fields() []*string {
	return []*string{
		&r.PatientID, &r.PatientName, &r.IssuerOfPatientID, &r.PatientBirthDate, &r.PatientSex,
		&r.StudyInstanceUID, &r.StudyDate, &r.StudyTime, &r.StudyDescription, &r.AccessionNumber,
		&r.StudyID, &r.ReferringPhysicianName, &r.SeriesInstanceUID, &r.SeriesDescription, &r.SeriesNumber,
		&r.Modality, &r.SOPInstanceUID, &r.SOPClassUID, &r.InstanceNumber,
	}
}

// studyTimeColumn is the columnList index of the study time. Other
// time.Time values are formatted as DICOM dates.
const studyTimeColumn = 7

// stringify converts a scanned driver value to its DICOM string form
func stringify(v any, column int) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case []byte:
		return strings.TrimSpace(string(val))
	case time.Time:
		if column == studyTimeColumn {
			return val.Format("150405")
		}
		return val.Format("20060102")
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
