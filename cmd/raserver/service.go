package main

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/ice-blockchain/go-ra"
	"github.com/ice-blockchain/go-ra/datetime"
	radecimal "github.com/ice-blockchain/go-ra/decimal"
	"github.com/ice-blockchain/go-ra/pool"
	_ "github.com/ice-blockchain/go-ra/uuid"
)

const (
	cmdQuery ra.CommandID = 1
	cmdExec  ra.CommandID = 2
	cmdStats ra.CommandID = 3
)

// defaultMaxRows caps a single query response.
const defaultMaxRows = 10000

type statementParams struct {
	Statement string        `msgpack:"statement"`
	Args      []interface{} `msgpack:"args"`
	Limit     int           `msgpack:"limit"`
	Batch     []batchItem   `msgpack:"batch"`
}

type batchItem struct {
	Statement string        `msgpack:"statement"`
	Args      []interface{} `msgpack:"args"`
}

type queryResult struct {
	Columns []string        `msgpack:"columns"`
	Rows    [][]interface{} `msgpack:"rows"`
	// More is set when the limit cut the result.
	More bool `msgpack:"more"`
}

type execResult struct {
	RowsAffected int64 `msgpack:"rows_affected"`
}

type statsResult struct {
	ConnID      uuid.UUID      `msgpack:"conn_id"`
	Connections int64          `msgpack:"connections"`
	PoolTarget  int            `msgpack:"pool_target"`
	PoolTotal   int            `msgpack:"pool_total"`
	PoolWaiters int            `msgpack:"pool_waiters"`
	PoolStates  map[string]int `msgpack:"pool_states"`
}

type service struct {
	pool       *pool.Pool
	server     *ra.Server
	statements map[string]string
	maxRows    int
}

func newService(p *pool.Pool, statements map[string]string) *service {
	return &service{
		pool:       p,
		statements: statements,
		maxRows:    defaultMaxRows,
	}
}

func (s *service) register(d *ra.Dispatcher) {
	d.RegisterFunc(cmdQuery, s.query)
	d.RegisterFunc(cmdExec, s.exec)
	d.RegisterFunc(cmdStats, s.stats)
}

// validate checks statement commands refer to known statements.
func (s *service) validate(req *ra.Request) error {
	if req.Command != cmdQuery && req.Command != cmdExec {
		return nil
	}
	var params statementParams
	if err := req.Decode(&params); err != nil {
		return err
	}
	if req.Command == cmdExec && len(params.Batch) > 0 {
		if params.Statement != "" {
			return &ra.ValidationError{Field: "batch", Msg: "batch excludes statement"}
		}
		for _, item := range params.Batch {
			if err := s.checkStatement(item.Statement); err != nil {
				return err
			}
		}
		return nil
	}
	if params.Limit < 0 {
		return &ra.ValidationError{Field: "limit", Msg: "must not be negative"}
	}
	return s.checkStatement(params.Statement)
}

func (s *service) checkStatement(name string) error {
	if name == "" {
		return &ra.ValidationError{Field: "statement", Msg: "is required"}
	}
	if _, ok := s.statements[name]; !ok {
		return &ra.ValidationError{Field: "statement", Msg: "unknown statement " + name}
	}
	return nil
}

func (s *service) query(req *ra.Request) ra.Response {
	var params statementParams
	if err := req.Decode(&params); err != nil {
		return ra.ErrorResponse(err)
	}
	limit := params.Limit
	if limit == 0 || limit > s.maxRows {
		limit = s.maxRows
	}

	cur, err := s.pool.Query(req.Context(), s.statements[params.Statement], params.Args...)
	if err != nil {
		return ra.ErrorResponse(err)
	}
	defer cur.Close()

	res := queryResult{Columns: cur.Columns(), Rows: [][]interface{}{}}
	for cur.Next() {
		if len(res.Rows) == limit {
			res.More = true
			break
		}
		res.Rows = append(res.Rows, encodeValues(cur.Row().Values()))
	}
	if err := cur.Err(); err != nil {
		return ra.ErrorResponse(err)
	}
	return ra.OK(res)
}

func (s *service) exec(req *ra.Request) ra.Response {
	var params statementParams
	if err := req.Decode(&params); err != nil {
		return ra.ErrorResponse(err)
	}

	if len(params.Batch) > 0 {
		stmts := make([]pool.Statement, len(params.Batch))
		for i, item := range params.Batch {
			stmts[i] = pool.Statement{SQL: s.statements[item.Statement], Args: item.Args}
		}
		results, err := s.pool.ExecTx(req.Context(), stmts...)
		if err != nil {
			return ra.ErrorResponse(err)
		}
		var res execResult
		for _, r := range results {
			n, err := r.RowsAffected()
			if err != nil {
				return ra.ErrorResponse(err)
			}
			res.RowsAffected += n
		}
		return ra.OK(res)
	}

	result, err := s.pool.Exec(req.Context(), s.statements[params.Statement], params.Args...)
	if err != nil {
		return ra.ErrorResponse(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return ra.ErrorResponse(err)
	}
	return ra.OK(execResult{RowsAffected: n})
}

func (s *service) stats(req *ra.Request) ra.Response {
	ps := s.pool.Stats()
	res := statsResult{
		PoolTarget:  ps.Target,
		PoolTotal:   ps.Total,
		PoolWaiters: ps.Waiters,
		PoolStates:  make(map[string]int, len(ps.States)),
	}
	for state, n := range ps.States {
		res.PoolStates[state.String()] = n
	}
	if req.Conn != nil {
		res.ConnID = req.Conn.ID()
	}
	if s.server != nil {
		res.Connections = s.server.Stats().Total()
	}
	return ra.OK(res)
}

func encodeValues(values []interface{}) []interface{} {
	encoded := make([]interface{}, len(values))
	for i, v := range values {
		encoded[i] = encodeValue(v)
	}
	return encoded
}

// encodeValue converts a driver value into a msgpack friendly one.
func encodeValue(v interface{}) interface{} {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case time.Time:
		dt, err := datetime.NewDatetime(v)
		if err != nil {
			return datetime.MustNewDatetime(v.UTC())
		}
		return dt
	case decimal.Decimal:
		return radecimal.MakeDecimal(v)
	case [16]byte:
		return uuid.UUID(v)
	case pgtype.Numeric:
		dv, err := v.Value()
		if err != nil || dv == nil {
			return nil
		}
		str, _ := dv.(string)
		if dec, err := decimal.NewFromString(str); err == nil {
			return radecimal.MakeDecimal(dec)
		}
		return dv
	case driver.Valuer:
		dv, err := v.Value()
		if err != nil {
			return nil
		}
		if _, ok := dv.(driver.Valuer); ok {
			return dv
		}
		return encodeValue(dv)
	}
	return v
}
