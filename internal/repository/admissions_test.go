package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemoshlag/data-integrator/internal/models"
	"github.com/nemoshlag/data-integrator/internal/monitor"
)

func setupMockAdmissionsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AdmissionsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewAdmissionsRepository(db, zap.NewNop())
	return db, mock, repo
}

var admissionColumns = []string{
	"admission_id", "patient_id", "ward", "bed_number", "status",
	"admission_time", "release_time", "last_test_time", "updated_at",
}

func TestGetAdmission_Success(t *testing.T) {
	db, mock, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	admissionID := uuid.New().String()
	now := time.Now()
	lastTest := now.Add(-50 * time.Hour)

	rows := sqlmock.NewRows(admissionColumns).
		AddRow(admissionID, "p1", "ICU", "B-3", "Active", now.Add(-72*time.Hour), nil, lastTest, now)

	mock.ExpectQuery(`SELECT(.|\n)*FROM admissions`).
		WithArgs(admissionID).
		WillReturnRows(rows)

	adm, err := repo.GetAdmission(context.Background(), admissionID)

	require.NoError(t, err)
	assert.Equal(t, admissionID, adm.AdmissionID)
	assert.Equal(t, models.StatusActive, adm.Status)
	assert.Nil(t, adm.ReleaseTime)
	require.NotNil(t, adm.LastTestTime)
	assert.WithinDuration(t, lastTest, *adm.LastTestTime, time.Second)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAdmission_NotFound(t *testing.T) {
	db, mock, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)*FROM admissions`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(admissionColumns))

	_, err := repo.GetAdmission(context.Background(), "missing")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "admission not found")
}

func TestGetLatestTestTime(t *testing.T) {
	db, mock, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	latest := time.Now().Add(-2 * time.Hour)
	mock.ExpectQuery(`SELECT MAX\(test_time\)`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(latest))

	got, err := repo.GetLatestTestTime(context.Background(), "a1")

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.WithinDuration(t, latest, *got, time.Second)
}

func TestGetLatestTestTime_NoTests(t *testing.T) {
	db, mock, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT MAX\(test_time\)`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	got, err := repo.GetLatestTestTime(context.Background(), "a1")

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateAdmission_Success(t *testing.T) {
	db, mock, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	adm := &models.Admission{
		AdmissionID:   "a1",
		PatientID:     "p1",
		Ward:          "ICU",
		BedNumber:     "B-3",
		Status:        models.StatusActive,
		AdmissionTime: time.Now(),
	}

	mock.ExpectExec(`INSERT INTO admissions`).
		WithArgs("a1", "p1", "ICU", "B-3", "Active", adm.AdmissionTime, nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateAdmission(context.Background(), adm)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAdmission_ValidationErrors(t *testing.T) {
	db, _, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	now := time.Now()

	tests := []struct {
		name string
		adm  *models.Admission
	}{
		{"nil admission", nil},
		{"missing ids", &models.Admission{Status: models.StatusActive}},
		{"unknown status", &models.Admission{AdmissionID: "a1", PatientID: "p1", Status: "Unknown"}},
		{"discharged without release_time", &models.Admission{
			AdmissionID: "a1", PatientID: "p1", Status: models.StatusDischarged,
		}},
		{"active with release_time", &models.Admission{
			AdmissionID: "a1", PatientID: "p1", Status: models.StatusActive, ReleaseTime: &now,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.CreateAdmission(context.Background(), tt.adm)
			require.Error(t, err)
			assert.ErrorIs(t, err, monitor.ErrValidation)
		})
	}
}

func TestRecordTest_Success(t *testing.T) {
	db, mock, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	testTime := time.Now()
	test := &models.LabTest{
		TestID:      "t1",
		AdmissionID: "a1",
		PatientID:   "p1",
		TestType:    "CBC",
		TestTime:    testTime,
		Status:      "completed",
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO lab_tests`).
		WithArgs("t1", "a1", "p1", "CBC", testTime, "completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE admissions(.|\n)*last_test_time IS NULL OR \$2 > last_test_time`).
		WithArgs("a1", testTime, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RecordTest(context.Background(), test)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTest_OutOfOrderDoesNotRegress(t *testing.T) {
	db, mock, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	// 早于当前 last_test_time 的检验：插入成功，但 UPDATE 的单调性条件不命中任何行
	testTime := time.Now().Add(-100 * time.Hour)
	test := &models.LabTest{
		TestID:      "t-old",
		AdmissionID: "a1",
		PatientID:   "p1",
		TestTime:    testTime,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO lab_tests`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE admissions`).
		WithArgs("a1", testTime, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.RecordTest(context.Background(), test)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTest_Validation(t *testing.T) {
	db, _, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	err := repo.RecordTest(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, monitor.ErrValidation)

	err = repo.RecordTest(context.Background(), &models.LabTest{TestID: "t1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, monitor.ErrValidation)

	err = repo.RecordTest(context.Background(), &models.LabTest{
		TestID: "t1", AdmissionID: "a1", PatientID: "p1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, monitor.ErrValidation)
}

func TestDischargeAdmission_Success(t *testing.T) {
	db, mock, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	releaseTime := time.Now()
	mock.ExpectExec(`UPDATE admissions`).
		WithArgs("a1", "Discharged", releaseTime, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.DischargeAdmission(context.Background(), "a1", releaseTime)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDischargeAdmission_NotFound(t *testing.T) {
	db, mock, repo := setupMockAdmissionsDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE admissions`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DischargeAdmission(context.Background(), "missing", time.Now())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "admission not found")
}
