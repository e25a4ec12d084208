package db

const (
	InsertTrackedJob = `
		INSERT INTO tracked_jobs (job_key, printer_serial, printer_ip, file_name, status, started_at, product_id, product_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	UpdateTrackedJobStatus = `
		UPDATE tracked_jobs SET status = ?, finished_at = ?
		WHERE printer_serial = ? AND job_key = ?
	`

	MarkTrackedJobSent = `
		UPDATE tracked_jobs SET sent_to_backend = 1, backend_event_id = ?
		WHERE printer_serial = ? AND job_key = ?
	`

	selectTrackedJobColumns = `
		SELECT id, job_key, printer_serial, printer_ip, file_name, status,
		       started_at, finished_at, sent_to_backend, backend_event_id,
		       product_id, product_name
		FROM tracked_jobs
	`

	ListTrackedJobsByStatus = selectTrackedJobColumns + ` WHERE status = ? ORDER BY started_at ASC`

	ListAllTrackedJobs = selectTrackedJobColumns + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`

	ListUnsentTerminalJobs = selectTrackedJobColumns + `
		WHERE sent_to_backend = 0 AND status IN ('finished', 'cancelled')
		ORDER BY finished_at ASC
	`

	DeleteTerminalJobsBefore = `
		DELETE FROM tracked_jobs
		WHERE status IN ('finished', 'cancelled') AND finished_at IS NOT NULL AND finished_at < ?
	`
)
