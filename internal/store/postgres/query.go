package postgres

import (
	"fmt"

	"github.com/alanyoungcy/nftauction/internal/domain"
)

// withListOpts appends the Since/Until filter on timeCol, the ordering and
// the pagination of opts to a query whose WHERE clause is already open.
// Placeholders continue after the len(args) already bound.
func withListOpts(query string, args []any, opts domain.ListOpts, timeCol, orderBy string) (string, []any) {
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY " + orderBy

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
