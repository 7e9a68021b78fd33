package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relay_jobs (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	source_tx_hash BYTEA NOT NULL UNIQUE,
	block_number BIGINT NOT NULL,
	tx_index BIGINT NOT NULL,
	log_index BIGINT NOT NULL,
	epoch BIGINT NOT NULL,
	miner BYTEA NOT NULL,
	nonce NUMERIC(78, 0) NOT NULL,
	work_units BIGINT NOT NULL,
	digest BYTEA NOT NULL,

	status SMALLINT NOT NULL,
	proof_bundle JSONB,
	destination_tx_hash BYTEA,
	error_message TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT source_tx_hash_len CHECK (octet_length(source_tx_hash) = 32),
	CONSTRAINT miner_len CHECK (octet_length(miner) = 20),
	CONSTRAINT digest_len CHECK (octet_length(digest) = 32),
	CONSTRAINT coords_nonneg CHECK (block_number >= 0 AND tx_index >= 0 AND log_index >= 0 AND epoch >= 0),
	CONSTRAINT work_units_nonneg CHECK (work_units >= 0),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 6),
	CONSTRAINT destination_tx_hash_len CHECK (destination_tx_hash IS NULL OR octet_length(destination_tx_hash) = 32)
);

CREATE INDEX IF NOT EXISTS relay_jobs_status_idx ON relay_jobs (status, created_at);
CREATE INDEX IF NOT EXISTS relay_jobs_miner_idx ON relay_jobs (miner);
`
