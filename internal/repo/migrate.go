package repo

import (
	"github.com/groupcast/group-service/internal/model"
	"gorm.io/gorm"
)

// Postgres-only declarative guards. Their raised messages and constraint
// names are the inputs of the table in errmap.go.
var postgresConstraints = []string{
	// at most one ACTIVE membership per websocket id
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_member_active_websocket
	   ON members (websocket_id) WHERE status = 'ACTIVE'`,
	// max-size guard: count active members under the inserting transaction's
	// own snapshot and abort when the group is already full or not active
	`CREATE OR REPLACE FUNCTION enforce_group_capacity() RETURNS trigger AS $$
	 DECLARE
	   grp groups%ROWTYPE;
	   active_count integer;
	 BEGIN
	   SELECT * INTO grp FROM groups WHERE id = NEW.group_id FOR UPDATE;
	   IF NOT FOUND THEN
	     RAISE EXCEPTION 'group does not exist';
	   END IF;
	   IF grp.status <> 'ACTIVE' THEN
	     RAISE EXCEPTION 'group is not active';
	   END IF;
	   SELECT count(*) INTO active_count FROM members
	     WHERE group_id = NEW.group_id AND status = 'ACTIVE';
	   IF active_count >= grp.max_group_size THEN
	     RAISE EXCEPTION 'group is full (chk_max_group_size)';
	   END IF;
	   RETURN NEW;
	 END;
	 $$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_group_capacity ON members`,
	`CREATE TRIGGER trg_group_capacity BEFORE INSERT ON members
	   FOR EACH ROW WHEN (NEW.status = 'ACTIVE')
	   EXECUTE FUNCTION enforce_group_capacity()`,
}

// Migrate creates the schema and, on Postgres, the declarative constraint
// guards backing the service-level checks.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Group{}, &model.Member{}, &model.OutboxEvent{}); err != nil {
		return err
	}
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	for _, stmt := range postgresConstraints {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
