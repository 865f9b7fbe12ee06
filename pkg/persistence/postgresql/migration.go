package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				lineage_id VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				parent_flow_id VARCHAR(255),
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				nodes JSONB NOT NULL DEFAULT '[]',
				entry_node_id VARCHAR(255) NOT NULL DEFAULT '',
				trigger_config JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'paused', 'archived')),
				reentry_policy VARCHAR(50) NOT NULL DEFAULT 'skip',
				execution_count BIGINT NOT NULL DEFAULT 0,
				success_count BIGINT NOT NULL DEFAULT 0,
				failure_count BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				activated_at TIMESTAMP WITH TIME ZONE,
				CONSTRAINT flows_lineage_version_key UNIQUE (lineage_id, version)
			);

			CREATE INDEX idx_flows_tenant_status ON flows(tenant_id, status);
			CREATE UNIQUE INDEX idx_flows_single_active ON flows(lineage_id) WHERE status = 'active';
		`,
		2: `
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				flow_id VARCHAR(255) NOT NULL REFERENCES flows(id),
				lineage_id VARCHAR(255) NOT NULL,
				conversation_id VARCHAR(255) NOT NULL,
				contact_id VARCHAR(255),
				status VARCHAR(50) NOT NULL
					CHECK (status IN ('pending', 'running', 'waiting', 'completed', 'failed', 'cancelled')),
				current_node_id VARCHAR(255),
				context JSONB NOT NULL DEFAULT '{}',
				execution_path JSONB NOT NULL DEFAULT '[]',
				wake JSONB,
				wake_deadline TIMESTAMP WITH TIME ZONE,
				retry JSONB NOT NULL DEFAULT '{}',
				error_message TEXT NOT NULL DEFAULT '',
				queued BOOLEAN NOT NULL DEFAULT false,
				cancel_requested BOOLEAN NOT NULL DEFAULT false,
				claimed_by VARCHAR(255) NOT NULL DEFAULT '',
				claimed_at TIMESTAMP WITH TIME ZONE,
				version BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE UNIQUE INDEX idx_executions_active_conversation
				ON executions(lineage_id, conversation_id)
				WHERE status IN ('pending', 'running', 'waiting') AND NOT queued;

			CREATE INDEX idx_executions_conversation ON executions(tenant_id, conversation_id, status);
			CREATE INDEX idx_executions_flow ON executions(flow_id, created_at);
			CREATE INDEX idx_executions_wake_deadline ON executions(wake_deadline) WHERE status = 'waiting';
			CREATE INDEX idx_executions_claimed_at ON executions(claimed_at) WHERE status = 'running';
			CREATE INDEX idx_executions_queue ON executions(lineage_id, conversation_id, created_at) WHERE queued;
		`,
	}
}
