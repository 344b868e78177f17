package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"listing_sync_v1_202610/internal/repository"
)

// ListingController 商品快照查询
type ListingController struct {
	repo    repository.ListingRepository
	channel string
}

func NewListingController(repo repository.ListingRepository, channel string) *ListingController {
	return &ListingController{repo: repo, channel: channel}
}

// ==================== 查询接口 ====================

// GetListings 获取账户商品快照
// @Summary 获取指定账户的商品快照列表
// @Tags Listing
// @Param account path string true "账户名"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/listings/{account} [get]
func (ctrl *ListingController) GetListings(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	list, total, err := ctrl.repo.ListByAccount(c.Request.Context(), ctrl.channel, c.Param("account"), page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "查询失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":      200,
		"message":   "success",
		"data":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetListing 获取单个商品快照及价格历史
// @Summary 获取单个商品快照及价格历史
// @Tags Listing
// @Param account path string true "账户名"
// @Param id path string true "商品 ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/listings/{account}/{id} [get]
func (ctrl *ListingController) GetListing(c *gin.Context) {
	ctx := c.Request.Context()
	account, id := c.Param("account"), c.Param("id")

	snap, err := ctrl.repo.Get(ctx, ctrl.channel, account, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "message": "商品不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "查询失败: " + err.Error()})
		return
	}

	history, err := ctrl.repo.ListHistory(ctx, ctrl.channel, account, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "message": "查询价格历史失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    200,
		"message": "success",
		"data":    gin.H{"snapshot": snap, "history": history},
	})
}
