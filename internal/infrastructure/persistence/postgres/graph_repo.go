package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// GraphRepository implements progression.GraphStore and GraphWriter for PostgreSQL.
type GraphRepository struct {
	conn *Connection
}

// NewGraphRepository creates a new GraphRepository.
func NewGraphRepository(conn *Connection) *GraphRepository {
	return &GraphRepository{conn: conn}
}

const nodeColumns = `id, course_id, node_type, completion_threshold, duration_seconds, question_count, sort_order, active`

const dependencyColumns = `from_node, to_node, condition_kind, threshold, combinator`

// ImportCourse replaces the nodes and edges of g's course in one transaction.
func (r *GraphRepository) ImportCourse(ctx context.Context, g *progression.Graph) error {
	const op = "ImportCourse"
	if g == nil {
		return shared.NewDomainError("graph", op, shared.ErrInvalidInput, "graph is nil")
	}

	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		var nodeID, owner string
		err := tx.QueryRow(ctx,
			`SELECT id, course_id FROM learning_nodes WHERE id = ANY($1) AND course_id <> $2 LIMIT 1`,
			g.NodeIDs(), g.CourseID(),
		).Scan(&nodeID, &owner)
		switch {
		case IsNoRows(err):
		case err != nil:
			return fmt.Errorf("failed to check node ownership: %w", err)
		default:
			return shared.Errorf("graph", op, shared.ErrInvalidInput, "node %s already belongs to course %s", nodeID, owner)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM node_dependencies WHERE course_id = $1`, g.CourseID()); err != nil {
			return fmt.Errorf("failed to clear dependencies: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM learning_nodes WHERE course_id = $1`, g.CourseID()); err != nil {
			return fmt.Errorf("failed to clear nodes: %w", err)
		}

		batch := &pgx.Batch{}
		for _, n := range g.Nodes() {
			batch.Queue(
				`INSERT INTO learning_nodes (`+nodeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				n.ID, n.CourseID, string(n.Type), n.CompletionThreshold, n.DurationSeconds, n.QuestionCount, n.Order, n.Active,
			)
		}
		for _, e := range g.Edges() {
			batch.Queue(
				`INSERT INTO node_dependencies (course_id, `+dependencyColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
				g.CourseID(), e.From, e.To, string(e.Condition.Kind), e.Condition.Threshold, string(e.Combinator),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert course %s: %w", g.CourseID(), err)
		}
		return nil
	})
}

// LoadGraph implements progression.GraphStore.
func (r *GraphRepository) LoadGraph(ctx context.Context, courseID string) (*progression.Graph, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+nodeColumns+` FROM learning_nodes WHERE course_id = $1`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, shared.Errorf("graph", "LoadGraph", shared.ErrNotFound, "course %s not found", courseID)
	}

	rows, err = r.conn.Query(ctx, `SELECT `+dependencyColumns+` FROM node_dependencies WHERE course_id = $1`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	edges, err := collectDependencies(rows)
	if err != nil {
		return nil, err
	}

	return progression.NewGraph(courseID, nodes, edges)
}

// LoadDependents implements progression.GraphStore.
func (r *GraphRepository) LoadDependents(ctx context.Context, nodeID string) ([]progression.NodeDependency, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+dependencyColumns+` FROM node_dependencies WHERE from_node = $1`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents: %w", err)
	}
	return collectDependencies(rows)
}

// LoadNode implements progression.GraphStore.
func (r *GraphRepository) LoadNode(ctx context.Context, nodeID string) (progression.LearningNode, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+nodeColumns+` FROM learning_nodes WHERE id = $1`, nodeID)
	if err != nil {
		return progression.LearningNode{}, fmt.Errorf("failed to query node: %w", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return progression.LearningNode{}, err
	}
	if len(nodes) == 0 {
		return progression.LearningNode{}, shared.Errorf("graph", "LoadNode", shared.ErrNotFound, "node %s not found", nodeID)
	}
	return nodes[0], nil
}

// Courses lists the ids of all stored courses.
func (r *GraphRepository) Courses(ctx context.Context) ([]string, error) {
	rows, err := r.conn.Query(ctx, `SELECT DISTINCT course_id FROM learning_nodes ORDER BY course_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func collectNodes(rows pgx.Rows) ([]progression.LearningNode, error) {
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (progression.LearningNode, error) {
		var (
			n        progression.LearningNode
			nodeType string
		)
		err := row.Scan(&n.ID, &n.CourseID, &nodeType, &n.CompletionThreshold,
			&n.DurationSeconds, &n.QuestionCount, &n.Order, &n.Active)
		n.Type = progression.NodeType(nodeType)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	return nodes, nil
}

func collectDependencies(rows pgx.Rows) ([]progression.NodeDependency, error) {
	deps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (progression.NodeDependency, error) {
		var (
			d          progression.NodeDependency
			kind, comb string
		)
		err := row.Scan(&d.From, &d.To, &kind, &d.Condition.Threshold, &comb)
		d.Condition.Kind = progression.ConditionKind(kind)
		d.Combinator = progression.Combinator(comb)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan dependency: %w", err)
	}
	return deps, nil
}

var (
	_ progression.GraphStore  = (*GraphRepository)(nil)
	_ progression.GraphWriter = (*GraphRepository)(nil)
)
