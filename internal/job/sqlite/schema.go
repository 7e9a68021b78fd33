package sqlite

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relay_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_tx_hash TEXT NOT NULL UNIQUE,
	block_number INTEGER NOT NULL CHECK (block_number >= 0),
	tx_index INTEGER NOT NULL CHECK (tx_index >= 0),
	log_index INTEGER NOT NULL CHECK (log_index >= 0),
	epoch INTEGER NOT NULL CHECK (epoch >= 0),
	miner TEXT NOT NULL,
	nonce TEXT NOT NULL,
	work_units INTEGER NOT NULL CHECK (work_units >= 0),
	digest TEXT NOT NULL,

	status TEXT NOT NULL DEFAULT 'SEEN',
	proof_bundle TEXT,
	destination_tx_hash TEXT,
	error_message TEXT,

	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS relay_jobs_status_idx ON relay_jobs (status);
CREATE INDEX IF NOT EXISTS relay_jobs_miner_idx ON relay_jobs (miner);
`
