package monitor

import (
	"fmt"

	"github.com/nemoshlag/data-integrator/internal/models"
)

// ValidateAdmission 校验住院记录的结构不变量（调和前调用，失败即拒绝）
func ValidateAdmission(adm *models.Admission) error {
	if adm == nil {
		return fmt.Errorf("%w: admission is required", ErrValidation)
	}
	if adm.AdmissionID == "" || adm.PatientID == "" {
		return fmt.Errorf("%w: admission_id and patient_id are required", ErrValidation)
	}
	if adm.Status != models.StatusActive && adm.Status != models.StatusDischarged {
		return fmt.Errorf("%w: unknown admission status %q", ErrValidation, adm.Status)
	}
	// release_time 非空 ⇔ status = Discharged
	if adm.Status == models.StatusDischarged && adm.ReleaseTime == nil {
		return fmt.Errorf("%w: discharged admission requires release_time", ErrValidation)
	}
	if adm.Status == models.StatusActive && adm.ReleaseTime != nil {
		return fmt.Errorf("%w: active admission must not have release_time", ErrValidation)
	}
	return nil
}
