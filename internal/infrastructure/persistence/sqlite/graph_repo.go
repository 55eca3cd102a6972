package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// GraphRepository implements progression.GraphStore and GraphWriter.
type GraphRepository struct {
	db *DB
}

// NewGraphRepository creates a graph repository on db.
func NewGraphRepository(db *DB) *GraphRepository {
	return &GraphRepository{db: db}
}

const nodeColumns = `id, course_id, node_type, completion_threshold, duration_seconds, question_count, sort_order, active`

// ImportCourse replaces the nodes and edges of g's course in one transaction.
func (r *GraphRepository) ImportCourse(ctx context.Context, g *progression.Graph) error {
	const op = "ImportCourse"
	if g == nil {
		return shared.NewDomainError("graph", op, shared.ErrInvalidInput, "graph is nil")
	}

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range g.NodeIDs() {
			var course string
			err := tx.QueryRowContext(ctx, `SELECT course_id FROM learning_nodes WHERE id = ?`, id).Scan(&course)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("sqlite: check node %s: %w", id, err)
			case course != g.CourseID():
				return shared.Errorf("graph", op, shared.ErrInvalidInput, "node %s already belongs to course %s", id, course)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM node_dependencies WHERE course_id = ?`, g.CourseID()); err != nil {
			return fmt.Errorf("sqlite: clear dependencies: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM learning_nodes WHERE course_id = ?`, g.CourseID()); err != nil {
			return fmt.Errorf("sqlite: clear nodes: %w", err)
		}

		for _, n := range g.Nodes() {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO learning_nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				n.ID, n.CourseID, string(n.Type), n.CompletionThreshold, n.DurationSeconds, n.QuestionCount, n.Order, n.Active,
			)
			if err != nil {
				return fmt.Errorf("sqlite: insert node %s: %w", n.ID, err)
			}
		}
		for _, e := range g.Edges() {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO node_dependencies (course_id, from_node, to_node, condition_kind, threshold, combinator)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				g.CourseID(), e.From, e.To, string(e.Condition.Kind), e.Condition.Threshold, string(e.Combinator),
			)
			if err != nil {
				return fmt.Errorf("sqlite: insert dependency %s -> %s: %w", e.From, e.To, err)
			}
		}
		return nil
	})
}

// LoadGraph implements progression.GraphStore.
func (r *GraphRepository) LoadGraph(ctx context.Context, courseID string) (*progression.Graph, error) {
	rows, err := r.db.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM learning_nodes WHERE course_id = ?`, courseID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load nodes: %w", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, shared.Errorf("graph", "LoadGraph", shared.ErrNotFound, "course %s not found", courseID)
	}

	rows, err = r.db.db.QueryContext(ctx,
		`SELECT from_node, to_node, condition_kind, threshold, combinator FROM node_dependencies WHERE course_id = ?`, courseID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load dependencies: %w", err)
	}
	edges, err := collectDependencies(rows)
	if err != nil {
		return nil, err
	}

	return progression.NewGraph(courseID, nodes, edges)
}

// LoadDependents implements progression.GraphStore.
func (r *GraphRepository) LoadDependents(ctx context.Context, nodeID string) ([]progression.NodeDependency, error) {
	rows, err := r.db.db.QueryContext(ctx,
		`SELECT from_node, to_node, condition_kind, threshold, combinator FROM node_dependencies WHERE from_node = ?`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load dependents: %w", err)
	}
	return collectDependencies(rows)
}

// LoadNode implements progression.GraphStore.
func (r *GraphRepository) LoadNode(ctx context.Context, nodeID string) (progression.LearningNode, error) {
	rows, err := r.db.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM learning_nodes WHERE id = ?`, nodeID)
	if err != nil {
		return progression.LearningNode{}, fmt.Errorf("sqlite: load node: %w", err)
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
	rows, err := r.db.db.QueryContext(ctx, `SELECT DISTINCT course_id FROM learning_nodes ORDER BY course_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list courses: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan course: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectNodes(rows *sql.Rows) ([]progression.LearningNode, error) {
	defer rows.Close()

	var nodes []progression.LearningNode
	for rows.Next() {
		var (
			n        progression.LearningNode
			nodeType string
		)
		if err := rows.Scan(&n.ID, &n.CourseID, &nodeType, &n.CompletionThreshold,
			&n.DurationSeconds, &n.QuestionCount, &n.Order, &n.Active); err != nil {
			return nil, fmt.Errorf("sqlite: scan node: %w", err)
		}
		n.Type = progression.NodeType(nodeType)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate nodes: %w", err)
	}
	return nodes, nil
}

func collectDependencies(rows *sql.Rows) ([]progression.NodeDependency, error) {
	defer rows.Close()

	var deps []progression.NodeDependency
	for rows.Next() {
		var (
			d          progression.NodeDependency
			kind, comb string
		)
		if err := rows.Scan(&d.From, &d.To, &kind, &d.Condition.Threshold, &comb); err != nil {
			return nil, fmt.Errorf("sqlite: scan dependency: %w", err)
		}
		d.Condition.Kind = progression.ConditionKind(kind)
		d.Combinator = progression.Combinator(comb)
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate dependencies: %w", err)
	}
	return deps, nil
}

var (
	_ progression.GraphStore  = (*GraphRepository)(nil)
	_ progression.GraphWriter = (*GraphRepository)(nil)
)
