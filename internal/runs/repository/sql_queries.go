package repository

const (
	createRunQuery = `INSERT INTO router_runs (run_id, input_path, workflow, width, height, status, started_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7)`
	finishRunQuery = `UPDATE router_runs
					SET workflow = COALESCE(nullif($1, ''), workflow),
					    job_id = COALESCE(nullif($2, ''), job_id),
					    width = COALESCE(nullif($3, 0), width),
					    height = COALESCE(nullif($4, 0), height),
					    artifact_path = COALESCE(nullif($5, ''), artifact_path),
					    delivery_path = COALESCE(nullif($6, ''), delivery_path),
					    status = $7,
					    error = $8,
					    finished_at = $9
					WHERE run_id = $10`
	listRecentRunsQuery = `SELECT run_id, input_path, workflow, job_id, width, height, artifact_path, delivery_path,
					status, error, started_at, COALESCE(finished_at, started_at) AS finished_at
					FROM router_runs ORDER BY started_at DESC LIMIT $1`
)
