package controllers

import (
	"context"
	"errors"
	"net/http"

	"proposal-submission-api/middleware"
	"proposal-submission-api/models"
	"proposal-submission-api/services"
	"proposal-submission-api/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ProposalSubmitter accepts proposal archives for asynchronous processing.
type ProposalSubmitter interface {
	SubmitProposal(ctx context.Context, input *services.SubmitProposalInput) (string, error)
}

type SubmissionController struct {
	submitter ProposalSubmitter
	progress  services.ProgressReader
}

func NewSubmissionController(submitter ProposalSubmitter, progress services.ProgressReader) *SubmissionController {
	return &SubmissionController{submitter: submitter, progress: progress}
}

// CreateSubmission accepts a zipped proposal and returns the identifier for tracking its
// processing.
func (ctl *SubmissionController) CreateSubmission(c *gin.Context) {
	user, err := middleware.CurrentUser(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
		return
	}

	file, err := c.FormFile("proposal")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "A zip file with the proposal must be submitted as form field proposal."})
		return
	}
	archive, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "The submitted file could not be read."})
		return
	}
	defer archive.Close()

	identifier, err := ctl.submitter.SubmitProposal(c.Request.Context(), &services.SubmitProposalInput{
		Submitter:    user,
		Archive:      archive,
		ProposalCode: utils.SanitizeInput(c.Query("proposal-code")),
	})
	if err != nil {
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, gin.H{"message": validationErr.Message})
			return
		}
		if errors.Is(err, services.ErrSupervisorsStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "The server is shutting down. Please try again later."})
			return
		}
		log.Error().Err(err).Int("user_id", user.UserID).Msg("failed to submit proposal")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "The submission could not be started."})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"submission_identifier": identifier})
}

// GetSubmissionProgress returns the status and log of a submission made by the current
// user.
func (ctl *SubmissionController) GetSubmissionProgress(c *gin.Context) {
	user, err := middleware.CurrentUser(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
		return
	}

	fromEntryNumber, err := utils.ParsePositiveInt(c.Query("from-entry-number"), 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from-entry-number must be a positive integer"})
		return
	}

	identifier := c.Param("identifier")
	submission, err := ctl.progress.Get(c.Request.Context(), identifier)
	if err != nil {
		writeSubmissionLookupError(c, identifier, err)
		return
	}
	if !isSubmitter(user, submission) {
		c.JSON(http.StatusForbidden, gin.H{"error": "The submission was made by someone else."})
		return
	}

	progress, err := ctl.progress.Progress(c.Request.Context(), identifier, fromEntryNumber)
	if err != nil {
		writeSubmissionLookupError(c, identifier, err)
		return
	}
	c.JSON(http.StatusOK, services.NewProgressMessage(progress))
}

func writeSubmissionLookupError(c *gin.Context, identifier string, err error) {
	if errors.Is(err, services.ErrSubmissionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "There exists no submission with identifier " + identifier + "."})
		return
	}
	log.Error().Err(err).Str("submission", identifier).Msg("failed to read submission")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read submission"})
}

func isSubmitter(user models.User, submission *models.Submission) bool {
	return submission.SubmitterID == user.UserID
}
