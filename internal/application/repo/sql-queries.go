package repo

// CONNECTIONS
const connectionColumns = `id, user_id, provider, status, access_token, refresh_token, token_expires_at,
	scopes, provider_account_id, provider_account_name, metadata, last_sync_at, last_error, last_error_at,
	created_at, updated_at`

const getConnectionSQL = `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`

const listConnectionsSQL = `SELECT ` + connectionColumns + ` FROM connections
WHERE user_id = $1
ORDER BY created_at DESC`

const listExpiringConnectionsSQL = `SELECT ` + connectionColumns + ` FROM connections
WHERE status = 'active'
	AND refresh_token IS NOT NULL
	AND token_expires_at IS NOT NULL
	AND token_expires_at <= $1
ORDER BY token_expires_at
LIMIT $2`

const insertConnectionSQL = `INSERT INTO connections (
	id, user_id, provider, status, access_token, refresh_token, token_expires_at,
	scopes, provider_account_id, provider_account_name, metadata)
VALUES ($1, $2, $3, 'active', $4, $5, $6, COALESCE($7::text[], '{}'), $8, $9, COALESCE(($10)::jsonb, '{}'::jsonb))
RETURNING created_at, updated_at`

// сначала гасим прежний active грант пары, затем вставляем новый - в одной транзакции
const revokeActivePairSQL = `UPDATE connections
SET status = 'revoked', access_token = NULL, refresh_token = NULL, updated_at = now()
WHERE user_id = $1 AND provider = $2 AND status = 'active'
RETURNING id`

const revokeConnectionSQL = `UPDATE connections
SET status = 'revoked', access_token = NULL, refresh_token = NULL, updated_at = now()
WHERE id = $1 AND status IN ('active', 'expired')`

const saveRefreshedTokenSQL = `UPDATE connections
SET access_token = $2,
	refresh_token = COALESCE($3, refresh_token),
	token_expires_at = $4,
	scopes = COALESCE($5::text[], scopes),
	last_error = NULL,
	last_error_at = NULL,
	updated_at = now()
WHERE id = $1 AND status = 'active'
RETURNING ` + connectionColumns

const expireConnectionSQL = `UPDATE connections
SET status = 'expired', last_error = $2, last_error_at = now(), updated_at = now()
WHERE id = $1 AND status = 'active'`

const recordConnectionErrorSQL = `UPDATE connections
SET last_error = $2, last_error_at = now(), updated_at = now()
WHERE id = $1`

// OUTBOX
const insertOutboxQuery = `
INSERT INTO outbox_event (
  aggregate_id, aggregate_type, event_type, payload, status, attempts, next_attempt_at, created_at
) VALUES ($1,$2,$3, ($4)::jsonb, $5, 0, now(), now())
RETURNING id, next_attempt_at, created_at
`

// next_attempt_at используется как lease: пока он в будущем, строку не возьмёт ни одна реплика.
// Событие не берётся, пока более раннее событие того же агрегата ждёт ретрая или захвачено.
const reserveBatchSQL = `
WITH picked AS (
	SELECT e.id
	FROM outbox_event e
	WHERE e.status IN ('NEW','FAILED')
		AND e.next_attempt_at <= now()
		AND ($3::int = 0 OR e.attempts < $3::int)
		AND NOT EXISTS (
			SELECT 1 FROM outbox_event p
			WHERE p.aggregate_id = e.aggregate_id
				AND p.id < e.id
				AND p.status IN ('NEW','FAILED')
				AND p.next_attempt_at > now()
		)
	ORDER BY e.id
	FOR UPDATE SKIP LOCKED
	LIMIT $2
)
UPDATE outbox_event AS o
SET next_attempt_at = now() + $1::interval
FROM picked
WHERE o.id = picked.id
RETURNING o.id, o.aggregate_id, o.aggregate_type, o.event_type, o.payload, o.status, o.attempts,
	o.last_error, o.next_attempt_at, o.created_at;
`

const markSentSQL = `
UPDATE outbox_event
SET status=$2, sent_at=now(), last_error=NULL
WHERE id=$1 AND status IN ('NEW','FAILED')`

const markFailedSQL = `
UPDATE outbox_event
SET status=$2, attempts=attempts+1, last_error=$3, next_attempt_at=$4
WHERE id=$1`

const markGaveUpSQL = `
UPDATE outbox_event
SET status=$2, attempts=attempts+1, last_error=$3, next_attempt_at = now()
WHERE id=$1
`

const releaseOutboxSQL = `
UPDATE outbox_event
SET next_attempt_at=$2
WHERE id = ANY($1) AND status IN ('NEW','FAILED')`

const deleteSentOutboxSQL = `DELETE FROM outbox_event
WHERE status = 'SENT' AND sent_at < now() - make_interval(days => $1)`

const outboxBacklogSQL = `SELECT count(*) FROM outbox_event WHERE status IN ('NEW','FAILED')`

// ATS INTEGRATIONS
const integrationColumns = `id, user_id, platform, api_key, on_behalf_of, status,
	sync_roles, sync_candidates, sync_applications, last_sync_at, created_at, updated_at`

const insertIntegrationSQL = `INSERT INTO ats_integrations (
	id, user_id, platform, api_key, on_behalf_of, status, sync_roles, sync_candidates, sync_applications)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING created_at, updated_at`

const getIntegrationSQL = `SELECT ` + integrationColumns + ` FROM ats_integrations WHERE id = $1`

const listActiveIntegrationsSQL = `SELECT ` + integrationColumns + ` FROM ats_integrations
WHERE status = 'active'
ORDER BY created_at`

const touchIntegrationSyncSQL = `UPDATE ats_integrations SET last_sync_at = $2, updated_at = now() WHERE id = $1`

const setIntegrationStatusSQL = `UPDATE ats_integrations SET status = $2, updated_at = now() WHERE id = $1`

// SYNC QUEUE
const syncItemColumns = `id, integration_id, entity_type, entity_id, action, direction, priority, payload,
	status, retry_count, max_retries, last_error, scheduled_at, processed_at, created_at`

const enqueueSyncItemSQL = `INSERT INTO sync_queue_items (
	integration_id, entity_type, entity_id, action, direction, priority, payload,
	status, retry_count, max_retries, scheduled_at)
VALUES ($1, $2, $3, $4, $5, $6, ($7)::jsonb, 'pending', 0, $8, $9)
RETURNING id, created_at`

// processing с истёкшим lease - воркер упал посреди попытки. Попытки кончились - элемент failed.
const failExhaustedLeasesSQL = `UPDATE sync_queue_items
SET status = 'failed', last_error = $2, processed_at = now(), locked_until = NULL
WHERE integration_id = $1
	AND status = 'processing'
	AND locked_until < now()
	AND retry_count >= max_retries`

// Берём просроченные pending и processing с истёкшим lease (упавший воркер).
// Повторный захват после истёкшего lease засчитывается как попытка.
const dequeuePendingSQL = `
WITH picked AS (
	SELECT id
	FROM sync_queue_items
	WHERE integration_id = $1
		AND (
			(status = 'pending' AND scheduled_at <= now())
			OR (status = 'processing' AND locked_until < now() AND retry_count < max_retries)
		)
	ORDER BY priority ASC, scheduled_at ASC, id ASC
	FOR UPDATE SKIP LOCKED
	LIMIT $2
)
UPDATE sync_queue_items AS q
SET status = 'processing',
	locked_until = now() + $3::interval,
	retry_count = q.retry_count + CASE WHEN q.status = 'processing' THEN 1 ELSE 0 END
FROM picked
WHERE q.id = picked.id
RETURNING q.id, q.integration_id, q.entity_type, q.entity_id, q.action, q.direction, q.priority, q.payload,
	q.status, q.retry_count, q.max_retries, q.last_error, q.scheduled_at, q.processed_at, q.created_at`

const integrationsWithPendingSQL = `
SELECT q.integration_id
FROM sync_queue_items q
JOIN ats_integrations i ON i.id = q.integration_id AND i.status = 'active'
WHERE (q.status = 'pending' AND q.scheduled_at <= now())
	OR (q.status = 'processing' AND q.locked_until < now())
GROUP BY q.integration_id
ORDER BY min(q.scheduled_at)
LIMIT $1`

const markSyncItemSuccessSQL = `UPDATE sync_queue_items
SET status = 'success', processed_at = now(), locked_until = NULL, last_error = NULL
WHERE id = $1`

const markSyncItemRetrySQL = `UPDATE sync_queue_items
SET status = 'pending', retry_count = $2, last_error = $3, scheduled_at = $4, locked_until = NULL
WHERE id = $1`

const markSyncItemFailedSQL = `UPDATE sync_queue_items
SET status = 'failed', retry_count = $2, last_error = $3, processed_at = now(), locked_until = NULL
WHERE id = $1`

// ENTITY MAP
const entityMapColumns = `id, integration_id, entity_type, internal_id, external_id, last_synced_at, created_at, updated_at`

const getEntityMappingSQL = `SELECT ` + entityMapColumns + ` FROM entity_map
WHERE integration_id = $1 AND entity_type = $2 AND internal_id = $3`

const getEntityMappingByExternalSQL = `SELECT ` + entityMapColumns + ` FROM entity_map
WHERE integration_id = $1 AND entity_type = $2 AND external_id = $3
ORDER BY updated_at DESC
LIMIT 1`

const upsertEntityMappingSQL = `INSERT INTO entity_map (integration_id, entity_type, internal_id, external_id, last_synced_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (integration_id, entity_type, internal_id)
DO UPDATE SET external_id = EXCLUDED.external_id, last_synced_at = now(), updated_at = now()
RETURNING id, last_synced_at, created_at, updated_at`

const deleteEntityMappingSQL = `DELETE FROM entity_map
WHERE integration_id = $1 AND entity_type = $2 AND internal_id = $3`

// SYNC LOG
const insertSyncLogSQL = `INSERT INTO sync_log (
	integration_id, queue_item_id, entity_type, internal_id, external_id, direction, action,
	status, error_kind, error_message, request_payload, response_payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, ($11)::jsonb, ($12)::jsonb)
RETURNING id, created_at`

const listSyncLogsSQL = `SELECT id, integration_id, queue_item_id, entity_type, internal_id, external_id,
	direction, action, status, error_kind, error_message, request_payload, response_payload, created_at
FROM sync_log
WHERE integration_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`

const syncStatsSQL = `SELECT
	count(*),
	count(*) FILTER (WHERE status = 'success'),
	count(*) FILTER (WHERE status = 'failed'),
	max(created_at) FILTER (WHERE status = 'success')
FROM sync_log
WHERE integration_id = $1`

const pendingQueueDepthSQL = `SELECT count(*) FROM sync_queue_items
WHERE integration_id = $1 AND status IN ('pending', 'processing')`
