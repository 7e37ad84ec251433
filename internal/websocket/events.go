package websocket

const (
	EntityInvestor = "investor"
	EntityUser     = "user"
	EntityBackup   = "backup"

	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

func event(entity, action, id string, extra map[string]any) Message {
	return Message{
		Type:   entity + "_" + action,
		Entity: entity,
		Action: action,
		ID:     id,
		Extra:  extra,
	}
}

// InvestorChanged announces that investor id now carries version. Task
// writes bump the parent stamp and are sent as updates.
func InvestorChanged(action, id, version string) Message {
	return event(EntityInvestor, action, id, map[string]any{"version": version})
}

func InvestorDeleted(id string) Message {
	return event(EntityInvestor, ActionDeleted, id, nil)
}

func UserChanged(action, id string) Message {
	return event(EntityUser, action, id, nil)
}

// BackupChanged reports a backup run's state to the admin view.
func BackupChanged(state string, inProgress bool, errMsg string) Message {
	return Message{
		Type:   EntityBackup + "_status",
		Entity: EntityBackup,
		Action: state,
		Extra: map[string]any{
			"inProgress": inProgress,
			"error":      errMsg,
		},
	}
}
