package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type toolchainResponse struct {
	ToolchainID string `json:"toolchainId"`

	Commit       string `json:"commit"`
	CommitOffset int    `json:"commitOffset"`

	Root string            `json:"root"`
	Env  map[string]string `json:"env"`
}

type reportResponse struct {
	State string `json:"state"`

	Commit        string `json:"commit,omitempty"`
	CommitOffset  int    `json:"commitOffset,omitempty"`
	CommitMessage string `json:"commitMessage,omitempty"`
	CommitDate    string `json:"commitDate,omitempty"`
	CommitAuthor  string `json:"commitAuthor,omitempty"`

	PossibleOtherCommits []string `json:"possibleOtherCommits,omitempty"`
}

// Handler returns the HTTP handler of the oracle's API
func (o *HTTPOracle) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/toolchain", o.getToolchain)
	router.POST("/isGood/:toolchainId", o.postIsGood)
	router.POST("/isBad/:toolchainId", o.postIsBad)

	return router
}

func (o *HTTPOracle) getToolchain(c *gin.Context) {
	select {
	case <-o.finished:
		res := reportResponse{
			State:                o.report.State.String(),
			PossibleOtherCommits: o.report.PossibleOtherCommits,
		}
		if commit := o.report.FirstBad; commit != nil {
			res.Commit = commit.Hash
			res.CommitOffset = commit.Position
			res.CommitMessage = commit.Summary
			res.CommitDate = commit.Date.Format("Mon Jan 2 15:04:05 2006 -0700")
			res.CommitAuthor = commit.Author
		}
		c.JSON(http.StatusOK, res)
	case t := <-o.queue:
		c.JSON(http.StatusOK, toolchainResponse{
			ToolchainID: t.id,

			Commit:       t.artifact.Commit.Hash,
			CommitOffset: t.artifact.Commit.Position,

			Root: t.artifact.Root,
			Env:  t.artifact.Env,
		})
	case <-c.Request.Context().Done():
		c.AbortWithStatus(http.StatusNoContent)
	}
}

func (o *HTTPOracle) postIsGood(c *gin.Context) {
	if o.rate(c.Param("toolchainId"), false) {
		c.AbortWithStatus(200)
	} else {
		c.AbortWithStatus(404)
	}
}

func (o *HTTPOracle) postIsBad(c *gin.Context) {
	if o.rate(c.Param("toolchainId"), true) {
		c.AbortWithStatus(200)
	} else {
		c.AbortWithStatus(404)
	}
}
