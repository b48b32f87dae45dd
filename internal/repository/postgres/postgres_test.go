package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func clinicianRef() model.PrincipalRef {
	return model.PrincipalRef{Type: model.Clinician, ID: uuid.Must(uuid.NewV4())}
}

func TestPrincipalRepo_GetByEmail_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPrincipalRepo(db)

	id := uuid.Must(uuid.NewV4())
	org := uuid.Must(uuid.NewV4())
	now := time.Now()
	mock.ExpectQuery(`SELECT id, email, role, .* FROM clinicians WHERE email=\$1`).
		WithArgs("dr@example.org").
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "role", "pwd_hash", "salt", "status",
			"failed_attempts", "locked_until", "organization_id", "extra_permissions", "org_permissions",
			"created_at", "updated_at"}).
			AddRow(id, "dr@example.org", "admin", []byte("hash"), []byte("salt"), "active", 2, nil, &org,
				[]string{"exports:run"}, []string{}, now, now))

	p, err := r.GetByEmail(context.Background(), model.Clinician, "  DR@example.org ")
	require.NoError(t, err)
	require.Equal(t, id, p.ID)
	require.Equal(t, model.Clinician, p.Type)
	require.Equal(t, model.RoleAdmin, p.Role)
	require.Equal(t, model.StatusActive, p.Status)
	require.Equal(t, 2, p.FailedAttempts)
	require.Nil(t, p.LockedUntil)
	require.Equal(t, org, *p.OrganizationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipalRepo_GetByID_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPrincipalRepo(db)

	ref := model.PrincipalRef{Type: model.Participant, ID: uuid.Must(uuid.NewV4())}
	mock.ExpectQuery(`FROM participants WHERE id=\$1`).
		WithArgs(ref.ID).
		WillReturnError(pgx.ErrNoRows)

	_, err := r.GetByID(context.Background(), ref)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPrincipalRepo_UnknownType(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPrincipalRepo(db)

	_, err := r.GetByEmail(context.Background(), "robot", "x@example.org")
	require.Error(t, err)
}

func TestPrincipalRepo_UpdatePassword(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPrincipalRepo(db)
	ref := clinicianRef()

	mock.ExpectExec(`UPDATE clinicians SET pwd_hash=\$2, salt=\$3`).
		WithArgs(ref.ID, []byte("h"), []byte("s")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.UpdatePassword(context.Background(), ref, []byte("h"), []byte("s")))

	mock.ExpectExec(`UPDATE clinicians SET status=\$2`).
		WithArgs(ref.ID, "inactive").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.SetStatus(context.Background(), ref, model.StatusInactive), errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Rotate_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	now := time.Now()
	rot := model.Rotation{
		SessionID:         "sess",
		OldRefreshTokenID: "r1",
		OldRefreshExpires: now.Add(time.Hour),
		OldAccessTokenID:  "a1",
		OldAccessExpires:  now.Add(time.Minute),
		NewAccessTokenID:  "a2",
		NewAccessExpires:  now.Add(15 * time.Minute),
		NewRefreshTokenID: "r2",
		NewRefreshExpires: now.Add(7 * 24 * time.Hour),
		At:                now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT refresh_jti, active FROM sessions WHERE id=\$1 FOR UPDATE`).
		WithArgs("sess").
		WillReturnRows(pgxmock.NewRows([]string{"refresh_jti", "active"}).AddRow("r1", true))
	mock.ExpectExec(`INSERT INTO revoked_tokens`).
		WithArgs("r1", rot.OldRefreshExpires).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO revoked_tokens`).
		WithArgs("a1", rot.OldAccessExpires).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE sessions SET access_jti=\$2, refresh_jti=\$3`).
		WithArgs("sess", "a2", "r2", rot.NewAccessExpires, rot.NewRefreshExpires, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Rotate(context.Background(), rot))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Rotate_LoserGetsConflict(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT refresh_jti, active FROM sessions WHERE id=\$1 FOR UPDATE`).
		WithArgs("sess").
		WillReturnRows(pgxmock.NewRows([]string{"refresh_jti", "active"}).AddRow("r2", true))
	mock.ExpectRollback()

	err := r.Rotate(context.Background(), model.Rotation{SessionID: "sess", OldRefreshTokenID: "r1"})
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Rotate_InactiveSession(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT refresh_jti, active FROM sessions`).
		WithArgs("sess").
		WillReturnRows(pgxmock.NewRows([]string{"refresh_jti", "active"}).AddRow("r1", false))
	mock.ExpectRollback()

	err := r.Rotate(context.Background(), model.Rotation{SessionID: "sess", OldRefreshTokenID: "r1"})
	require.ErrorIs(t, err, errs.ErrVersionConflict)
}

func TestSessionRepo_Deactivate_RevokesBothIDs(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	now := time.Now()
	aexp, rexp := now.Add(time.Minute), now.Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT access_jti, refresh_jti, access_expires, refresh_expires, active FROM sessions WHERE id=\$1 FOR UPDATE`).
		WithArgs("sess").
		WillReturnRows(pgxmock.NewRows([]string{"access_jti", "refresh_jti", "access_expires", "refresh_expires", "active"}).
			AddRow("a1", "r1", aexp, rexp, true))
	mock.ExpectExec(`INSERT INTO revoked_tokens`).WithArgs("a1", aexp).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO revoked_tokens`).WithArgs("r1", rexp).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE sessions SET active=false`).WithArgs("sess", now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Deactivate(context.Background(), "sess", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Deactivate_AlreadyInactive(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM sessions WHERE id=\$1 FOR UPDATE`).
		WithArgs("sess").
		WillReturnRows(pgxmock.NewRows([]string{"access_jti", "refresh_jti", "access_expires", "refresh_expires", "active"}).
			AddRow("a1", "r1", now, now, false))
	mock.ExpectCommit()

	require.NoError(t, r.Deactivate(context.Background(), "sess", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_DeactivateAll(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	ref := clinicianRef()
	now := time.Now()
	exp := now.Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM sessions WHERE principal_type=\$1 AND principal_id=\$2 AND active AND id<>\$3`).
		WithArgs("clinician", ref.ID, "keep").
		WillReturnRows(pgxmock.NewRows([]string{"id", "access_jti", "refresh_jti", "access_expires", "refresh_expires"}).
			AddRow("s1", "a1", "r1", exp, exp).
			AddRow("s2", "a2", "r2", exp, exp))
	for _, jti := range []string{"a1", "r1", "a2", "r2"} {
		mock.ExpectExec(`INSERT INTO revoked_tokens`).WithArgs(jti, exp).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectExec(`UPDATE sessions SET active=false, last_activity=\$2 WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"s1", "s2"}, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	n, err := r.DeactivateAll(context.Background(), ref, "keep", now)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_RevokeAndIsRevoked(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	now := time.Now()
	exp := now.Add(time.Minute)
	mock.ExpectExec(`INSERT INTO revoked_tokens \(jti, expires_at\) VALUES \(\$1,\$2\) ON CONFLICT \(jti\) DO NOTHING`).
		WithArgs("j", exp).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	require.NoError(t, r.Revoke(context.Background(), model.RevokedToken{TokenID: "j", ExpiresAt: exp}))

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM revoked_tokens WHERE jti=\$1 AND expires_at > \$2\)`).
		WithArgs("j", now).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	revoked, err := r.IsRevoked(context.Background(), "j", now)
	require.NoError(t, err)
	require.True(t, revoked)

	mock.ExpectExec(`DELETE FROM revoked_tokens WHERE expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	n, err := r.PruneRevoked(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Create_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)

	now := time.Now()
	s := &model.Session{ID: "s", Principal: clinicianRef(), AccessTokenID: "a", RefreshTokenID: "r",
		AccessExpires: now, RefreshExpires: now, IssuedAt: now, LastActivity: now}
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs("s", "clinician", s.Principal.ID, "a", "r", now, now, now, now, "", "").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	require.ErrorIs(t, r.Create(context.Background(), s), errs.ErrAlreadyExists)
}

func TestMFARepo_ConsumeBackupCode(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMFARepo(db)

	ref := clinicianRef()
	now := time.Now()
	mock.ExpectExec(`UPDATE backup_codes SET used_at=\$4`).
		WithArgs("clinician", ref.ID, "h", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := r.ConsumeBackupCode(context.Background(), ref, "h", now)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`UPDATE backup_codes SET used_at=\$4`).
		WithArgs("clinician", ref.ID, "h", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err = r.ConsumeBackupCode(context.Background(), ref, "h", now)
	require.NoError(t, err)
	require.False(t, ok, "a used code cannot be redeemed twice")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMFARepo_ReplaceBackupCodes(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMFARepo(db)

	ref := clinicianRef()
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM backup_codes WHERE principal_type=\$1 AND principal_id=\$2 AND used_at IS NULL`).
		WithArgs("clinician", ref.ID).
		WillReturnResult(pgxmock.NewResult("DELETE", 10))
	for _, h := range []string{"h1", "h2"} {
		mock.ExpectExec(`INSERT INTO backup_codes`).
			WithArgs(pgxmock.AnyArg(), "clinician", ref.ID, h, now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, r.ReplaceBackupCodes(context.Background(), ref, []string{"h1", "h2"}, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMFARepo_GetConfig(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMFARepo(db)

	ref := clinicianRef()
	now := time.Now()
	mock.ExpectQuery(`FROM mfa_configs c WHERE c.principal_type=\$1 AND c.principal_id=\$2`).
		WithArgs("clinician", ref.ID).
		WillReturnRows(pgxmock.NewRows([]string{"enabled", "methods", "secret_enc", "phone", "updated_at", "count"}).
			AddRow(true, []string{"totp", "backup_code"}, []byte("sealed"), "", now, 7))

	cfg, err := r.GetConfig(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, cfg.Enabled)
	require.True(t, cfg.HasMethod(model.MFATOTP))
	require.Equal(t, 7, cfg.BackupCodeCount)

	mock.ExpectQuery(`FROM mfa_configs`).WithArgs("clinician", ref.ID).WillReturnError(pgx.ErrNoRows)
	_, err = r.GetConfig(context.Background(), ref)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMFARepo_Disable_Atomic(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMFARepo(db)

	ref := clinicianRef()
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE mfa_configs SET enabled=false`).
		WithArgs("clinician", ref.ID, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM backup_codes`).
		WithArgs("clinician", ref.ID).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	require.Error(t, r.Disable(context.Background(), ref, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMFARepo_Challenges(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMFARepo(db)

	now := time.Now()
	ch := &model.SMSChallenge{Phone: "+15551234567", CodeHash: "h", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	mock.ExpectExec(`INSERT INTO sms_challenges .* ON CONFLICT \(phone\) DO UPDATE`).
		WithArgs(ch.Phone, "h", now, ch.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.PutChallenge(context.Background(), ch))

	mock.ExpectQuery(`UPDATE sms_challenges SET failed_attempts=failed_attempts\+1`).
		WithArgs(ch.Phone).
		WillReturnRows(pgxmock.NewRows([]string{"failed_attempts"}).AddRow(1))
	n, err := r.IncrementChallengeFailures(context.Background(), ch.Phone)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	mock.ExpectExec(`DELETE FROM sms_challenges WHERE phone=\$1 AND code_hash=\$2 AND expires_at > \$3`).
		WithArgs(ch.Phone, "h", now).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	ok, err := r.RedeemChallenge(context.Background(), ch.Phone, "h", now)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`DELETE FROM sms_challenges WHERE phone=\$1 AND code_hash=\$2`).
		WithArgs(ch.Phone, "h", now).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	ok, err = r.RedeemChallenge(context.Background(), ch.Phone, "h", now)
	require.NoError(t, err)
	require.False(t, ok, "a consumed challenge cannot be redeemed twice")

	mock.ExpectQuery(`FROM sms_challenges WHERE phone=\$1`).
		WithArgs(ch.Phone).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetChallenge(context.Background(), ch.Phone)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRelationshipRepo(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRelationshipRepo(db)

	from, to := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	now := time.Now()
	mock.ExpectQuery(`FROM relationships\s+WHERE kind=\$1 AND from_id=\$2 AND to_id=\$3 AND active`).
		WithArgs("care_team", from, to, now).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := r.HasLiveEdge(context.Background(), model.EdgeCareTeam, from, to, now)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`UPDATE relationships SET active=false, deactivated_at=\$4`).
		WithArgs("care_team", from, to, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.DeactivateEdge(context.Background(), model.EdgeCareTeam, from, to, now), errs.ErrNotFound)

	q := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`SELECT study_id FROM questionnaires WHERE id=\$1`).
		WithArgs(q).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.QuestionnaireStudy(context.Background(), q)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvitationRepo_Accept_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewInvitationRepo(db)

	now := time.Now()
	inv := &model.Invitation{ID: uuid.Must(uuid.NewV4())}
	p := &model.Principal{ID: uuid.Must(uuid.NewV4()), Type: model.Participant, Role: model.RoleParticipant,
		Email: "p@example.org", PwdHash: []byte("h"), Salt: []byte("s"), Status: model.StatusActive}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE invitations SET used_at=\$2 WHERE id=\$1 AND used_at IS NULL`).
		WithArgs(inv.ID, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO participants`).
		WithArgs(p.ID, p.Email, "participant", []byte("h"), []byte("s"), "active", p.OrganizationID, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO mfa_configs`).
		WithArgs("participant", p.ID, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Accept(context.Background(), inv, p, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvitationRepo_Accept_RollsBackOnDuplicateEmail(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewInvitationRepo(db)

	now := time.Now()
	inv := &model.Invitation{ID: uuid.Must(uuid.NewV4())}
	p := &model.Principal{ID: uuid.Must(uuid.NewV4()), Type: model.Clinician, Role: model.RoleClinician,
		Email: "dr@example.org", Status: model.StatusActive}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE invitations`).WithArgs(inv.ID, now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO clinicians`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	require.ErrorIs(t, r.Accept(context.Background(), inv, p, now), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvitationRepo_Accept_AlreadyUsed(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewInvitationRepo(db)

	now := time.Now()
	inv := &model.Invitation{ID: uuid.Must(uuid.NewV4())}
	p := &model.Principal{ID: uuid.Must(uuid.NewV4()), Type: model.Clinician}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE invitations`).WithArgs(inv.ID, now).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	require.ErrorIs(t, r.Accept(context.Background(), inv, p, now), errs.ErrVersionConflict)
}

func TestTableFor(t *testing.T) {
	tbl, err := TableFor(model.Clinician)
	require.NoError(t, err)
	require.Equal(t, "clinicians", tbl)
	tbl, err = TableFor(model.Participant)
	require.NoError(t, err)
	require.Equal(t, "participants", tbl)
	_, err = TableFor("robot")
	require.Error(t, err)
}
