package datamapper

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoGateway is the Querier for MongoDB. A table is a collection of the
// gateway database, or of the database named by TableDef.Schema. Joins and
// Raw conditions are not supported.
//
// Duplicate detection relies on unique indexes: index the primary key
// columns unless the key is _id.
type MongoGateway struct {
	db     *mongo.Database
	logger zerolog.Logger
}

var _ Querier = (*MongoGateway)(nil)

func NewMongoGateway(db *mongo.Database, options ...GatewayOption) *MongoGateway {
	opt := &gatewayOption{logger: zerolog.Nop()}
	for _, op := range options {
		op(opt)
	}

	return &MongoGateway{db: db, logger: opt.logger}
}

func (m *MongoGateway) collection(table TableDef) *mongo.Collection {
	if table.Schema != "" {
		return m.db.Client().Database(table.Schema).Collection(table.Name)
	}
	return m.db.Collection(table.Name)
}

func (m *MongoGateway) Select(ctx context.Context, q SelectQuery) (Rows, error) {
	if len(q.Table.Joins) > 0 {
		return nil, fmt.Errorf("%w: joins on collection %s", ErrUnsupported, q.Table.Name)
	}

	ctx, err := m.setTransactionContext(ctx, q.Tx)
	if err != nil {
		return nil, err
	}

	filter, err := renderBSON(q.Where)
	if err != nil {
		return nil, err
	}

	findOpt := mongoOptions.Find()
	if len(q.Table.Columns) > 0 {
		projection := bson.D{}
		for _, col := range q.Table.Columns {
			projection = append(projection, bson.E{Key: col, Value: 1})
		}
		findOpt.SetProjection(projection)
	}

	if sort := makeMongoSort(q.Sorter); len(sort) > 0 {
		findOpt.SetSort(sort)
	}

	if q.Limit > 0 {
		findOpt.SetLimit(int64(q.Limit))
	}

	if q.Offset > 0 {
		findOpt.SetSkip(q.Offset)
	}

	m.logger.Debug().Str("collection", q.Table.Name).Interface("filter", filter).Msg("find")
	cur, err := m.collection(q.Table).Find(ctx, filter, findOpt)
	if err != nil {
		return nil, wrapMongoError(err)
	}

	return &mongoRows{ctx: ctx, cur: cur}, nil
}

// Insert returns the inserted _id when the primary key is _id, nil otherwise.
func (m *MongoGateway) Insert(ctx context.Context, table TableDef, row Row, tx Transaction) (any, error) {
	ctx, err := m.setTransactionContext(ctx, tx)
	if err != nil {
		return nil, err
	}

	res, err := m.collection(table).InsertOne(ctx, bson.M(row))
	if err != nil {
		return nil, wrapMongoError(err)
	}

	if len(table.PrimaryKey) == 1 && table.PrimaryKey[0] == "_id" {
		return res.InsertedID, nil
	}

	return nil, nil
}

func (m *MongoGateway) Update(ctx context.Context, table TableDef, row Row, where *Condition, tx Transaction) (int64, error) {
	ctx, err := m.setTransactionContext(ctx, tx)
	if err != nil {
		return 0, err
	}

	filter, err := renderBSON(where)
	if err != nil {
		return 0, err
	}

	up, err := m.collection(table).UpdateMany(ctx, filter, createUpdateParam(row))
	if err != nil {
		return 0, wrapMongoError(err)
	}

	return up.MatchedCount, nil
}

func (m *MongoGateway) Delete(ctx context.Context, table TableDef, where *Condition, tx Transaction) (int64, error) {
	ctx, err := m.setTransactionContext(ctx, tx)
	if err != nil {
		return 0, err
	}

	filter, err := renderBSON(where)
	if err != nil {
		return 0, err
	}

	res, err := m.collection(table).DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapMongoError(err)
	}

	return res.DeletedCount, nil
}

func (m *MongoGateway) Begin(ctx context.Context) (Transaction, error) {
	session, err := m.db.Client().StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb session. %w", err)
	}

	sctx := mongo.NewSessionContext(ctx, session)

	wc := writeconcern.New(writeconcern.WMajority())
	rc := readconcern.Snapshot()
	txnOpts := mongoOptions.Transaction().SetWriteConcern(wc).SetReadConcern(rc)

	if err := session.StartTransaction(txnOpts); err != nil {
		session.EndSession(ctx)
		return nil, err
	}

	return &mongoTransaction{
		session: session,
		sctx:    sctx,
	}, nil
}

func (m *MongoGateway) setTransactionContext(ctx context.Context, tx Transaction) (context.Context, error) {
	if tx == nil {
		return ctx, nil
	}

	mt, ok := tx.(*mongoTransaction)
	if !ok {
		return nil, fmt.Errorf("%w: transaction %T does not belong to a mongo gateway", ErrUnsupported, tx)
	}

	return mongo.NewSessionContext(ctx, mt.session), nil
}

func createUpdateParam(keyvals map[string]any) bson.M {
	update := bson.M{}
	for k, v := range keyvals {
		update[k] = v
	}

	return bson.M{"$set": update}
}

func makeMongoSort(sorter []string) bson.D {
	var sort bson.D
	for _, s := range sorter {
		if s == "" {
			continue
		}

		dir := 1
		field := s
		if s[:1] == "-" || s[:1] == "+" {
			if s[:1] == "-" {
				dir = -1
			}
			field = s[1:]
		}
		sort = append(sort, bson.E{Key: field, Value: dir})
	}

	return sort
}

func renderBSON(c *Condition) (bson.M, error) {
	if c == nil {
		return bson.M{}, nil
	}

	switch c.Operator {
	case OpAnd, OpOr, OpNot:
		children := make([]bson.M, 0, len(c.Children))
		for _, child := range c.Children {
			f, err := renderBSON(child)
			if err != nil {
				return nil, err
			}
			children = append(children, f)
		}

		switch c.Operator {
		case OpAnd:
			return bson.M{"$and": children}, nil
		case OpOr:
			return bson.M{"$or": children}, nil
		default:
			return bson.M{"$nor": children}, nil
		}
	case OpEq:
		return bson.M{c.Field: c.Value}, nil
	case OpNe:
		return bson.M{c.Field: bson.M{"$ne": c.Value}}, nil
	case OpGt:
		return bson.M{c.Field: bson.M{"$gt": c.Value}}, nil
	case OpGte:
		return bson.M{c.Field: bson.M{"$gte": c.Value}}, nil
	case OpLt:
		return bson.M{c.Field: bson.M{"$lt": c.Value}}, nil
	case OpLte:
		return bson.M{c.Field: bson.M{"$lte": c.Value}}, nil
	case OpIn:
		values, _ := c.Value.([]any)
		return bson.M{c.Field: bson.M{"$in": bson.A(values)}}, nil
	case OpNull:
		return bson.M{c.Field: nil}, nil
	case OpNotNil:
		return bson.M{c.Field: bson.M{"$ne": nil}}, nil
	case OpLike:
		pattern, _ := c.Value.(string)
		return bson.M{c.Field: primitive.Regex{Pattern: "^" + likeToRegex(pattern) + "$"}}, nil
	case OpRaw:
		return nil, fmt.Errorf("%w: raw SQL condition %q", ErrUnsupported, c.Field)
	}

	return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, c.Operator)
}

// likeToRegex turns `%` and `_` wildcards into their regular expression
// counterparts and quotes everything else.
func likeToRegex(pattern string) string {
	var sb strings.Builder
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return sb.String()
}

func wrapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w. %w", ErrKeyAlreadyExists, err)
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w. %w", ErrKeynotFound, err)
	}

	return err
}

type mongoRows struct {
	ctx context.Context
	cur *mongo.Cursor
}

func (r *mongoRows) Next() bool {
	return r.cur.Next(r.ctx)
}

func (r *mongoRows) Scan(dest map[string]any) error {
	var doc bson.M
	if err := r.cur.Decode(&doc); err != nil {
		return wrapMongoError(err)
	}

	for k, v := range doc {
		dest[k] = v
	}
	return nil
}

func (r *mongoRows) Err() error {
	return wrapMongoError(r.cur.Err())
}

func (r *mongoRows) Close() error {
	return r.cur.Close(r.ctx)
}

type mongoTransaction struct {
	session mongo.Session
	sctx    mongo.SessionContext
}

func (tx *mongoTransaction) Rollback(ctx context.Context) error {
	defer tx.session.EndSession(ctx)
	return tx.session.AbortTransaction(tx.sctx)
}

func (tx *mongoTransaction) Commit(ctx context.Context) error {
	defer tx.session.EndSession(ctx)
	return tx.session.CommitTransaction(tx.sctx)
}
